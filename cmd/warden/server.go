package main

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/warden-labs/warden/pkg/audit"
	"github.com/warden-labs/warden/pkg/config"
	"github.com/warden-labs/warden/pkg/contracts"
	"github.com/warden-labs/warden/pkg/credentials"
	"github.com/warden-labs/warden/pkg/crypto"
	"github.com/warden-labs/warden/pkg/engine"
	"github.com/warden-labs/warden/pkg/events"
	"github.com/warden-labs/warden/pkg/evidence"
	"github.com/warden-labs/warden/pkg/kernel"
	"github.com/warden-labs/warden/pkg/mirror"
	"github.com/warden-labs/warden/pkg/netpolicy"
	"github.com/warden-labs/warden/pkg/nonce"
	"github.com/warden-labs/warden/pkg/observability"
	"github.com/warden-labs/warden/pkg/record"
	"github.com/warden-labs/warden/pkg/services"
	"github.com/warden-labs/warden/pkg/trust"
	"github.com/warden-labs/warden/pkg/webhook"
)

// server bundles the wired subsystems so HTTP handlers can reach them.
type server struct {
	cfg      *config.Config
	kernel   *kernel.CapabilityKernel
	engine   *engine.Engine
	records  *record.SQLStore
	ledger   evidence.Ledger
	epochs   *trust.EpochState
	devices  *trust.DeviceRegistry
	webhooks *webhook.Handler
	monitor  *mirror.Monitor
	auditor  audit.Logger
	obs      *observability.Provider
}

func deviceFingerprint() string {
	if fp := os.Getenv("DEVICE_FINGERPRINT"); fp != "" {
		return fp
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	sum := sha256.Sum256([]byte(host))
	return "dev-" + hex.EncodeToString(sum[:8])
}

func draftDir() string {
	if dir := os.Getenv("WARDEN_DRAFT_DIR"); dir != "" {
		return dir
	}
	return "data/drafts"
}

//nolint:gocognit,gocyclo
func runServer() {
	fmt.Fprintln(os.Stdout, "Warden kernel starting...")
	ctx := context.Background()
	cfg := config.Load()
	auditor := audit.NewLogger()

	level := slog.LevelInfo
	if cfg.LogLevel == "DEBUG" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// 0. Observability
	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = os.Getenv("OTEL_ENABLED") == "true"
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		obsCfg.OTLPEndpoint = ep
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		log.Fatalf("Failed to init observability: %v", err)
	}

	// 1. Durable stores
	db, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	log.Println("[warden] database: connected")

	masterKey, err := loadOrGenerateMasterKey()
	if err != nil {
		log.Fatalf("Failed to load master key: %v", err)
	}
	creds, err := credentials.NewSQLStore(ctx, db, masterKey)
	if err != nil {
		log.Fatalf("Failed to init credential store: %v", err)
	}

	ledger, err := evidence.NewSQLLedger(ctx, db)
	if err != nil {
		log.Fatalf("Failed to init evidence ledger: %v", err)
	}
	log.Println("[warden] evidence ledger: ready")

	var consumed nonce.Store
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("Redis ping failed: %v", err)
		}
		consumed = nonce.NewRedisStore(client, "warden")
		log.Println("[warden] nonce store: redis")
	} else {
		consumed, err = nonce.NewSQLStore(ctx, db)
		if err != nil {
			log.Fatalf("Failed to init nonce store: %v", err)
		}
		log.Println("[warden] nonce store: sql")
	}

	// 2. Trust
	epochs, err := trust.NewEpochState(ctx, creds, ledger)
	if err != nil {
		log.Fatalf("Failed to init trust epoch: %v", err)
	}
	epoch, keyVersion := epochs.Current()
	log.Printf("[warden] trust: epoch %d, key v%d", epoch, keyVersion)

	devices, err := trust.NewDeviceRegistry(ctx, db, ledger)
	if err != nil {
		log.Fatalf("Failed to init device registry: %v", err)
	}
	fingerprint := deviceFingerprint()
	if _, err := devices.Register(ctx, fingerprint); err != nil {
		log.Fatalf("Failed to register local device: %v", err)
	}
	log.Printf("[warden] device: %s", fingerprint)

	// 3. Execution records. Recovery runs before anything can execute.
	records, err := record.NewSQLStore(ctx, db, ledger)
	if err != nil {
		log.Fatalf("Failed to init record store: %v", err)
	}
	recovered, err := records.Recover(ctx)
	if err != nil {
		log.Fatalf("Crash recovery failed: %v", err)
	}
	if recovered > 0 {
		log.Printf("[warden] recovery: %d interrupted records failed closed", recovered)
	}

	// 4. Network perimeter
	enforcer, err := buildEnforcer(cfg, ledger)
	if err != nil {
		log.Fatalf("Failed to init network policy: %v", err)
	}
	log.Printf("[warden] network policy: %s", cfg.NetworkMode)

	// 5. Kernel and engine
	registry, err := services.NewRegistry()
	if err != nil {
		log.Fatalf("Failed to init service registry: %v", err)
	}
	drafts, err := services.NewLocalDraftStore(draftDir())
	if err != nil {
		log.Fatalf("Failed to init draft store: %v", err)
	}
	registry.Register(contracts.EffectSaveDraft, drafts)
	log.Println("[warden] write services: saveDraft (local); other effect types need host integrations")

	k := kernel.New(epochs, devices, consumed, ledger).WithTokenTTL(cfg.TokenTTL)
	signer, _ := epochs.Signer().(*crypto.Ed25519Signer)
	if cfg.CoSignerURL != "" {
		k = k.WithCoSigner(mirror.NewHTTPCoSigner(cfg.CoSignerURL, signer, enforcer))
		log.Println("[warden] co-signer: remote")
	}

	eng := engine.New(k, registry, records, ledger, devices, fingerprint)

	// 6. Events and webhook perimeter
	notifier := events.NewChannelNotifier(64)
	go drainEvents(notifier)

	webhooks := webhook.NewHandler(epochs, consumed, notifier)

	// 7. Evidence mirror
	var monitor *mirror.Monitor
	if cfg.MirrorBaseURL != "" {
		remote := mirror.NewHTTPMirror(cfg.MirrorBaseURL, signer, enforcer)
		monitor = mirror.NewMonitor(ledger, remote, epochs, notifier, fingerprint)
		if cfg.ArchiveBucket != "" {
			archive, err := mirror.NewS3Archive(ctx, mirror.S3ArchiveConfig{
				Bucket:   cfg.ArchiveBucket,
				Region:   os.Getenv("AWS_REGION"),
				Endpoint: cfg.ArchiveEndpoint,
				Prefix:   "attestations/",
			})
			if err != nil {
				log.Fatalf("Failed to init attestation archive: %v", err)
			}
			monitor = monitor.WithArchive(archive)
			log.Println("[warden] attestation archive: s3")
		}
		log.Println("[warden] evidence mirror: ready")
	}

	// 8. Scheduled jobs
	sched := cron.New()
	if monitor != nil {
		spec := fmt.Sprintf("@every %s", cfg.AttestationEvery)
		_, err = sched.AddFunc(spec, func() {
			jobCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := monitor.PushAttestation(jobCtx); err != nil {
				log.Printf("[warden] attestation push failed: %v", err)
				return
			}
			if err := monitor.CheckDivergence(jobCtx); err != nil {
				log.Printf("[warden] divergence check: %v", err)
			}
		})
		if err != nil {
			log.Fatalf("Failed to schedule attestation job: %v", err)
		}
	}
	_, err = sched.AddFunc("@hourly", func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		purged, err := consumed.PurgeExpired(jobCtx, time.Now())
		if err != nil {
			log.Printf("[warden] nonce purge failed: %v", err)
			return
		}
		if purged > 0 {
			log.Printf("[warden] nonce purge: %d expired", purged)
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule nonce purge: %v", err)
	}
	sched.Start()

	srv := &server{
		cfg:      cfg,
		kernel:   k,
		engine:   eng,
		records:  records,
		ledger:   ledger,
		epochs:   epochs,
		devices:  devices,
		webhooks: webhooks,
		monitor:  monitor,
		auditor:  auditor,
		obs:      obs,
	}

	// 9. HTTP surface
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("[warden] ready: http://localhost:%s", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	go func() {
		log.Printf("[warden] health server: :8081")
		//nolint:gosec // Intentionally listening on all interfaces
		if err := http.ListenAndServe(":8081", healthMux); err != nil {
			log.Printf("[warden] health server error: %v", err)
		}
	}()

	_ = auditor.Record(ctx, audit.EventSystem, "system", "startup", "server", map[string]any{
		"epoch":       epoch,
		"key_version": keyVersion,
		"recovered":   recovered,
	})

	log.Println("[warden] press ctrl+c to stop")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[warden] shutting down")

	sched.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = obs.Shutdown(shutdownCtx)
	_ = db.Close()
}

// buildEnforcer maps configuration onto the outbound network policy. The
// allowlist can come from a deployment profile or stay empty for offline use.
func buildEnforcer(cfg *config.Config, ledger evidence.Ledger) (*netpolicy.Enforcer, error) {
	mode := netpolicy.Mode(cfg.NetworkMode)
	var opts []netpolicy.Option

	if mode == netpolicy.ModeDev {
		if os.Getenv("WARDEN_ALLOW_DEV_MODE") != "true" {
			return nil, netpolicy.ErrDevModeNotPermitted
		}
		opts = append(opts, netpolicy.WithDevMode())
	}

	profilesDir := os.Getenv("WARDEN_PROFILES_DIR")
	profileCode := os.Getenv("WARDEN_PROFILE")
	if profilesDir != "" && profileCode != "" {
		profile, err := config.LoadProfile(profilesDir, profileCode)
		if err != nil {
			return nil, err
		}
		for _, entry := range profile.Networking.Allowlist {
			opts = append(opts, netpolicy.WithStaticHost(entry.Host, entry.PathPrefixes...))
		}
		if expr := profile.Networking.AdmissionExpression; expr != "" {
			opts = append(opts, netpolicy.WithAdmissionExpression(expr))
		}
	}

	return netpolicy.NewEnforcer(mode, ledger, opts...)
}

func drainEvents(n *events.ChannelNotifier) {
	for ev := range n.Events() {
		switch ev.Type {
		case events.TypeLockdown:
			log.Printf("[warden] LOCKDOWN: %v", ev.Data)
		default:
			log.Printf("[warden] event %s: %v", ev.Type, ev.Data)
		}
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/webhook", s.handleWebhook)
	mux.Handle("POST /v1/tokens", s.requireAuth(http.HandlerFunc(s.handleIssueToken)))
	mux.Handle("POST /v1/execute", s.requireAuth(http.HandlerFunc(s.handleExecute)))
	mux.Handle("POST /v1/undo", s.requireAuth(http.HandlerFunc(s.handleUndo)))
	mux.Handle("GET /v1/records", s.requireAuth(http.HandlerFunc(s.handleListRecords)))
	mux.Handle("GET /v1/evidence/verify", s.requireAuth(http.HandlerFunc(s.handleVerifyChain)))
	mux.Handle("POST /v1/admin/halt", s.requireAuth(http.HandlerFunc(s.handleHalt)))
	mux.Handle("POST /v1/admin/rotate-key", s.requireAuth(http.HandlerFunc(s.handleRotate)))
	mux.Handle("POST /v1/admin/revoke-device", s.requireAuth(http.HandlerFunc(s.handleRevokeDevice)))
	return mux
}

// requireAuth validates an EdDSA bearer token minted against the current
// signing key. Old key versions are deliberately not accepted here.
func (s *server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(raw) <= len(prefix) || raw[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token, err := jwt.Parse(raw[len(prefix):], func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return ed25519.PublicKey(s.epochs.Signer().PublicKeyBytes()), nil
		})
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type issueTokenRequest struct {
	PlanID            string                         `json:"plan_id"`
	RiskTier          contracts.RiskTier             `json:"risk_tier"`
	DeviceFingerprint string                         `json:"device_fingerprint"`
	Signatures        []contracts.CollectedSignature `json:"signatures"`
}

func (s *server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	ctx, done := s.obs.TrackExecution(r.Context(), "issue_token", attribute.String("plan_id", req.PlanID))
	token, err := s.kernel.IssueToken(ctx, req.PlanID, req.RiskTier, req.DeviceFingerprint, req.Signatures)
	done(err)
	if err != nil {
		_ = s.auditor.Record(r.Context(), audit.EventIssuance, req.DeviceFingerprint, "issue_denied", req.PlanID, map[string]any{"error": err.Error()})
		writeError(w, statusFor(err), err.Error())
		return
	}
	_ = s.auditor.Record(r.Context(), audit.EventIssuance, req.DeviceFingerprint, "issue", req.PlanID, map[string]any{"tier": string(req.RiskTier)})
	writeJSON(w, http.StatusOK, token)
}

type executeRequest struct {
	Draft              contracts.Draft               `json:"draft"`
	SideEffects        []contracts.SideEffect        `json:"side_effects"`
	Token              *contracts.AuthorizationToken `json:"token"`
	IntentSummary      string                        `json:"intent_summary"`
	ContextSummary     string                        `json:"context_summary"`
	PermissionState    string                        `json:"permission_state"`
	ConfidenceSnapshot float64                       `json:"confidence_snapshot"`
	Reversible         bool                          `json:"reversible"`
}

func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	planID := ""
	if req.Token != nil {
		planID = req.Token.PlanID
	}

	ctx, done := s.obs.TrackExecution(r.Context(), "execute", attribute.String("plan_id", planID))
	result, err := s.engine.Execute(ctx, engine.Request{
		Draft:              req.Draft,
		SideEffects:        req.SideEffects,
		Token:              req.Token,
		IntentSummary:      req.IntentSummary,
		ContextSummary:     req.ContextSummary,
		PermissionState:    req.PermissionState,
		ConfidenceSnapshot: req.ConfidenceSnapshot,
		Reversible:         req.Reversible,
	})
	done(err)

	if err != nil {
		s.obs.RecordDenial(ctx, attribute.String("plan_id", planID))
		_ = s.auditor.Record(ctx, audit.EventExecute, "system", "execute_denied", planID, map[string]any{"error": err.Error()})
		status := statusFor(err)
		if result != nil {
			writeJSON(w, status, result)
		} else {
			writeError(w, status, err.Error())
		}
		return
	}
	_ = s.auditor.Record(ctx, audit.EventExecute, "system", "execute", planID, map[string]any{"status": string(result.Status)})
	writeJSON(w, http.StatusOK, result)
}

func (s *server) handleUndo(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Undo(r.Context()); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reversed"})
}

func (s *server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	status := record.Status(r.URL.Query().Get("status"))
	if status == "" {
		writeError(w, http.StatusBadRequest, "status query parameter is required")
		return
	}
	recs, err := s.records.ListByStatus(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	report, err := s.ledger.VerifyChainIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.monitor != nil {
		if err := s.monitor.CheckDivergence(r.Context()); err != nil {
			writeJSON(w, http.StatusConflict, map[string]any{"report": report, "divergence": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *server) handleHalt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	halted, err := s.engine.EmergencyHalt(r.Context(), body.Reason)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = s.auditor.Record(r.Context(), audit.EventSystem, "admin", "emergency_halt", "", map[string]any{"halted": halted, "reason": body.Reason})
	writeJSON(w, http.StatusOK, map[string]any{"halted": halted})
}

func (s *server) handleRotate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	if err := s.epochs.RotateKey(r.Context(), body.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	epoch, keyVersion := s.epochs.Current()
	_ = s.auditor.Record(r.Context(), audit.EventTrust, "admin", "rotate_key", "", map[string]any{"epoch": epoch, "key_version": keyVersion})
	writeJSON(w, http.StatusOK, map[string]any{"epoch": epoch, "key_version": keyVersion})
}

func (s *server) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fingerprint string `json:"fingerprint"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Fingerprint == "" {
		writeError(w, http.StatusBadRequest, "fingerprint is required")
		return
	}
	if body.Reason == "" {
		body.Reason = "admin revocation"
	}
	if err := s.devices.Revoke(r.Context(), body.Fingerprint, body.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = s.auditor.Record(r.Context(), audit.EventTrust, "admin", "revoke_device", body.Fingerprint, map[string]any{"reason": body.Reason})
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload webhook.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed payload")
		return
	}
	sourceIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(sourceIP); err == nil {
		sourceIP = host
	}
	if err := s.webhooks.Handle(r.Context(), sourceIP, payload); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// statusFor maps kernel error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, contracts.ErrTokenInvalid),
		errors.Is(err, contracts.ErrSignatureForged),
		errors.Is(err, contracts.ErrEpochOrKeyMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, contracts.ErrDeviceRevoked),
		errors.Is(err, contracts.ErrQuorumMissing),
		errors.Is(err, contracts.ErrSecondConfirmationMissing):
		return http.StatusForbidden
	case errors.Is(err, contracts.ErrReplayAttempted),
		errors.Is(err, contracts.ErrConcurrentExecutionBlocked):
		return http.StatusConflict
	case errors.Is(err, webhook.ErrStale):
		return http.StatusBadRequest
	case errors.Is(err, webhook.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrNothingToUndo):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
