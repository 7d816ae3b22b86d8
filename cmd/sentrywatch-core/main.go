package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sentrywatch/core/pkg/api"
	"github.com/sentrywatch/core/pkg/certstore"
	"github.com/sentrywatch/core/pkg/config"
	"github.com/sentrywatch/core/pkg/correlator"
	"github.com/sentrywatch/core/pkg/eventingest"
	"github.com/sentrywatch/core/pkg/evidenceledger"
	"github.com/sentrywatch/core/pkg/gateway"
	"github.com/sentrywatch/core/pkg/inventory"
	"github.com/sentrywatch/core/pkg/observability"
	"github.com/sentrywatch/core/pkg/patchorch"
	"github.com/sentrywatch/core/pkg/policy"
	"github.com/sentrywatch/core/pkg/psacore"
	"github.com/sentrywatch/core/pkg/rules"
	"github.com/sentrywatch/core/pkg/scheduler"
	"github.com/sentrywatch/core/pkg/sigverify"
	"github.com/sentrywatch/core/pkg/taskqueue"
	"github.com/sentrywatch/core/pkg/telemetry"

	_ "github.com/lib/pq"
)

// core is the composition root wiring every component of the platform
// behind a single HTTP gateway.
type core struct {
	cfg *config.Config
	obs *observability.Provider

	rateLimiter *api.GlobalRateLimiter
	verifier    *sigverify.Verifier
	trust       *certstore.Store
	inventory   *inventory.Store
	telemetry   *telemetry.Engine
	events      *eventingest.Engine
	tasks       *taskqueue.Queue
	patches     *patchorch.Orchestrator
	rules       *rules.Engine
	correlator  *correlator.Correlator
	psa         *psacore.Engine
	ledger      *evidenceledger.Ledger
}

func newCore(ctx context.Context, cfg *config.Config) (*core, error) {
	verifier := sigverify.New([]byte(cfg.SigningKey), sigverify.WithTTL(cfg.SignatureTTL))

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "sentrywatch-core",
		Environment:  cfg.ServiceEnvironment,
		OTLPEndpoint: cfg.OTelEndpoint,
		SampleRate:   cfg.OTelSampleRate,
		Enabled:      cfg.OTelEnabled,
		Insecure:     cfg.OTelInsecure,
		BatchTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("observability init: %w", err)
	}

	return &core{
		cfg:         cfg,
		obs:         obs,
		rateLimiter: api.NewGlobalRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		verifier:    verifier,
		trust:       certstore.New(),
		inventory:   inventory.New(),
		telemetry: telemetry.New(
			telemetry.WithWindowSize(cfg.BaselineWindowSize),
			telemetry.WithDeviationMultiplier(cfg.AnomalyDeviationMult),
			telemetry.WithMaxSamples(cfg.TelemetryMaxSamples),
		),
		events:     eventingest.New(verifier),
		tasks:      taskqueue.New(),
		patches:    patchorch.New(),
		rules:      rules.New(),
		correlator: correlator.New(),
		psa:        psacore.New(),
		ledger:     evidenceledger.New(),
	}, nil
}

// serviceTokenKeyFunc resolves the HMAC key for service bearer tokens,
// rejecting any non-HMAC signing method.
func (c *core) serviceTokenKeyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	return []byte(c.cfg.ServiceTokenKey), nil
}

// routes registers the platform's intake surface behind HTTPS
// enforcement and request tracing (spec.md §6). Handlers decode,
// delegate to the owning component, and encode the result; validation
// and state transitions live entirely in the pkg/* components.
func (c *core) routes() http.Handler {
	router := gateway.NewRouter()
	mtls := gateway.RequireMTLS(c.trust)
	svcToken := gateway.RequireServiceToken(c.serviceTokenKeyFunc)

	router.Handle(http.MethodPost, "/hello", gateway.Trace("hello", mtls(svcToken(http.HandlerFunc(c.handleHello)))))
	router.Handle(http.MethodPost, "/events", gateway.Trace("events.ingest", http.HandlerFunc(c.handleEvents)))
	router.Handle(http.MethodPost, "/telemetry", gateway.Trace("telemetry.ingest", http.HandlerFunc(c.handleTelemetry)))
	router.Handle(http.MethodPost, "/tasks/poll", gateway.Trace("tasks.poll", http.HandlerFunc(c.handleTaskPoll)))
	router.Handle(http.MethodGet, "/assets/presence", gateway.Trace("assets.presence", mtls(svcToken(http.HandlerFunc(c.handleAssetPresence)))))
	router.Handle(http.MethodPost, "/detections", gateway.Trace("detections.evaluate", mtls(svcToken(http.HandlerFunc(c.handleDetections)))))
	router.Handle(http.MethodPost, "/patch-plans", gateway.Trace("patch_plans.build", mtls(svcToken(http.HandlerFunc(c.handlePatchPlans)))))

	return c.rateLimiter.Middleware(gateway.RequireHTTPS(router))
}

func (c *core) handleHello(w http.ResponseWriter, r *http.Request) {
	identity, _ := gateway.ClientIdentity(r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "client_identity": identity})
}

func (c *core) handleEvents(w http.ResponseWriter, r *http.Request) {
	sig, ts, ok := gateway.SignatureHeaders(r)
	if !ok {
		api.WriteCoded(w, api.CodeMissingSignatureHeaders, "missing signature headers")
		return
	}

	var req struct {
		Batch      eventingest.Batch `json:"batch"`
		RawPayload []byte            `json:"raw_payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteCoded(w, api.CodePayloadNotJSON, err.Error())
		return
	}

	result, reason := c.events.Ingest(req.Batch, req.RawPayload, sig, ts)
	if reason != "" {
		c.obs.RecordRejected(r.Context(), req.Batch.TenantID, 1)
		api.WriteCoded(w, api.Code(reason), "event batch rejected")
		return
	}
	c.obs.RecordBatchAccepted(r.Context(), req.Batch.TenantID, result.Accepted)
	c.obs.RecordRejected(r.Context(), req.Batch.TenantID, result.Rejected)
	writeJSON(w, http.StatusAccepted, result)
}

func (c *core) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var payload telemetry.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		api.WriteCoded(w, api.CodePayloadNotJSON, err.Error())
		return
	}

	result, reason := c.telemetry.Ingest(payload)
	if reason != "" {
		api.WriteCoded(w, api.Code(reason), "telemetry payload rejected")
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// handleAssetPresence reports each asset's online/offline status, derived
// from last_seen_at against the configured presence threshold.
func (c *core) handleAssetPresence(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	writeJSON(w, http.StatusOK, c.inventory.EvaluatePresence(tenantID, c.cfg.PresenceThreshold))
}

func (c *core) handleTaskPoll(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	assetID := r.URL.Query().Get("asset_id")
	agentID := r.URL.Query().Get("agent_id")

	task, ok := c.tasks.Poll(tenantID, assetID, agentID)
	if !ok {
		writeJSON(w, http.StatusNoContent, nil)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// detectionRequest carries one event through RuleEngine, Correlator and,
// for findings severe enough to warrant action, PsaCore (spec.md's
// stated flow: detections feed correlation, correlation feeds PSA).
type detectionRequest struct {
	TenantID string        `json:"tenant_id"`
	Event    rules.Event   `json:"event"`
	Context  rules.Context `json:"context"`
	Signals  psacore.Signals `json:"signals"`
}

type detectionResponse struct {
	Findings []rules.Finding       `json:"findings"`
	Graphs   []correlator.Graph    `json:"graphs"`
	Tickets  []*psacore.Ticket     `json:"tickets,omitempty"`
}

func (c *core) handleDetections(w http.ResponseWriter, r *http.Request) {
	var req detectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteCoded(w, api.CodePayloadNotJSON, err.Error())
		return
	}

	findings, _, err := c.rules.Evaluate(req.Event, req.Context)
	if err != nil {
		api.WriteCoded(w, api.Code("rule_evaluation_failed"), err.Error())
		return
	}

	resp := detectionResponse{Findings: findings}
	for _, f := range findings {
		graph := c.correlator.Correlate(req.TenantID, correlator.Node{
			FindingID:  f.FindingID,
			RuleID:     f.FindingType,
			AssetID:    f.AssetID,
			IdentityID: f.IdentityID,
			OccurredAt: f.CreationTimestamp,
		})
		resp.Graphs = append(resp.Graphs, graph)

		if f.Severity == "high" || f.Severity == "critical" {
			result, err := c.psa.Intake(req.TenantID, f.AssetID, "finding", f.FindingID,
				f.ConfidenceScore*100, req.Signals, psacore.Evidence{Payload: f})
			if err != nil {
				api.WriteCoded(w, api.Code("psa_intake_failed"), err.Error())
				return
			}
			if !result.Suppressed {
				resp.Tickets = append(resp.Tickets, result.Ticket)
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// patchInput is one candidate patch, carrying both the fields
// PolicyEvaluator reads and the fields Scheduler needs once a patch is
// found eligible.
type patchInput struct {
	PatchID        string    `json:"patch_id"`
	Severity       string    `json:"severity"`
	Category       string    `json:"category"`
	Supersedes     []string  `json:"supersedes"`
	ReleaseDate    time.Time `json:"release_date"`
	RequiresReboot bool      `json:"requires_reboot"`
}

// patchPlanRequest carries a tenant's candidate-patch set through
// PolicyEvaluator and Scheduler before registering the resulting
// execution order with PatchOrchestrator.
type patchPlanRequest struct {
	PlanID      string                        `json:"plan_id"`
	TenantID    string                        `json:"tenant_id"`
	AssetID     string                        `json:"asset_id"`
	PolicyID    string                        `json:"policy_id"`
	DetectionID string                        `json:"detection_id"`
	Policy      policy.Policy                 `json:"policy"`
	Patches     []patchInput                  `json:"patches"`
	Windows     []scheduler.MaintenanceWindow `json:"maintenance_windows"`
}

func (c *core) handlePatchPlans(w http.ResponseWriter, r *http.Request) {
	var req patchPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteCoded(w, api.CodePayloadNotJSON, err.Error())
		return
	}

	byID := make(map[string]patchInput, len(req.Patches))
	metadata := make([]policy.PatchMetadata, 0, len(req.Patches))
	for _, p := range req.Patches {
		byID[p.PatchID] = p
		metadata = append(metadata, policy.PatchMetadata{
			PatchID:    p.PatchID,
			Severity:   p.Severity,
			Category:   p.Category,
			Supersedes: p.Supersedes,
		})
	}

	_, finish := c.obs.TrackPlanBuild(r.Context(), req.TenantID, req.PlanID)
	var buildErr error
	defer func() { finish(buildErr) }()

	eligibility := policy.Evaluate(req.Policy, metadata)

	ordering := make([]scheduler.PatchForOrdering, 0, len(eligibility.Allowed))
	for _, patchID := range eligibility.Allowed {
		p := byID[patchID]
		ordering = append(ordering, scheduler.PatchForOrdering{
			PatchID:        p.PatchID,
			Severity:       p.Severity,
			ReleaseDate:    p.ReleaseDate,
			RequiresReboot: p.RequiresReboot,
		})
	}

	plan, err := scheduler.BuildPlan(req.PlanID, req.TenantID, req.AssetID, req.PolicyID, req.DetectionID,
		ordering, req.Policy.RebootRule, req.Windows, time.Now())
	if err != nil {
		buildErr = err
		api.WriteCoded(w, api.Code("plan_build_failed"), err.Error())
		return
	}

	c.patches.RegisterPlan(plan.PlanID, plan.AssetID, plan.ExecutionOrder)
	writeJSON(w, http.StatusCreated, plan)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()
	c, err := newCore(context.Background(), cfg)
	if err != nil {
		slog.Error("core init failed", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      c.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		slog.Info("starting sentrywatch core", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server exited", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
	if err := c.obs.Shutdown(ctx); err != nil {
		slog.Error("observability shutdown failed", "error", err)
	}
}
