// SPDX-License-Identifier: AGPL-3.0
// Copyright 2026 The SAFi Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jnamaya/SAFi-sub000/pkg/auditlog"
	"github.com/jnamaya/SAFi-sub000/pkg/config"
	"github.com/jnamaya/SAFi-sub000/pkg/ethics"
	"github.com/jnamaya/SAFi-sub000/pkg/faculty"
	"github.com/jnamaya/SAFi-sub000/pkg/llms"
	"github.com/jnamaya/SAFi-sub000/pkg/observability"
	"github.com/jnamaya/SAFi-sub000/pkg/parse"
	"github.com/jnamaya/SAFi-sub000/pkg/rag"
	"github.com/jnamaya/SAFi-sub000/pkg/store"
)

// ErrQuotaExceeded is returned when a user has spent their daily prompt
// allowance.
var ErrQuotaExceeded = errors.New("daily prompt limit reached")

// IntellectFailureAnswer is the generic user-visible message when no draft
// could be generated. Internal details stay in the logs.
const IntellectFailureAnswer = "Sorry, I could not generate an answer."

// Request is one incoming user turn.
type Request struct {
	UserID         string
	ConversationID string
	UserPrompt     string
	Agent          AgentSelector
}

// AgentSelector names the agent and optional per-call overrides. Empty
// fields fall back to configuration.
type AgentSelector struct {
	AgentKey        string
	IntellectModel  string
	WillModel       string
	ConscienceModel string
	PolicyID        string
}

// Response is the synchronous result of a turn. The audit referenced by
// MessageID completes in the background.
type Response struct {
	Answer       string
	MessageID    string
	WillDecision parse.Decision
	WillReason   string
	NewTitle     string
}

// AuditView is the poll result for one message id.
type AuditView struct {
	Status           string // pending | complete | not_found
	Ledger           []parse.Evaluation
	SpiritScore      int
	SpiritNote       string
	SuggestedPrompts []string
}

// Service runs governed turns against a set of configured personas.
type Service struct {
	cfg     *config.Config
	store   store.Store
	router  *llms.Router
	ragp    rag.Provider
	cache   *InstanceCache
	audits  *auditPool
	ledger  *auditlog.Writer
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New wires a service from configuration. The registry backing router and
// the store remain owned by the caller.
func New(cfg *config.Config, st store.Store, router *llms.Router, provider rag.Provider, metrics *observability.Metrics) *Service {
	if provider == nil {
		provider = rag.Disabled{}
	}
	if metrics == nil {
		metrics = observability.New()
	}
	s := &Service{
		cfg:     cfg,
		store:   st,
		router:  router,
		ragp:    provider,
		cache:   NewInstanceCache(time.Duration(cfg.Orchestrator.InstanceCacheTTL) * time.Second),
		ledger:  auditlog.NewWriter(cfg.Orchestrator.AuditLogDir),
		metrics: metrics,
		logger:  slog.Default().With("component", "orchestrator"),
	}
	s.audits = newAuditPool(s, cfg.Orchestrator.AuditQueueSize, cfg.Orchestrator.AuditWorkers)
	return s
}

// ProcessPrompt runs the synchronous portion of one turn: quota check,
// instance resolution, Intellect, Will with at most one reflexion retry,
// persistence, and audit scheduling. It blocks only through Will.
func (s *Service) ProcessPrompt(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()

	if req.UserID == "" || req.ConversationID == "" || strings.TrimSpace(req.UserPrompt) == "" {
		return nil, fmt.Errorf("userId, conversationId, and userPrompt are required")
	}

	if limit := s.cfg.Orchestrator.DailyPromptLimit; limit > 0 {
		used, err := s.store.CountPromptsToday(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to check prompt quota: %w", err)
		}
		if used >= limit {
			return nil, ErrQuotaExceeded
		}
		if err := s.store.IncrementPromptCount(ctx, req.UserID); err != nil {
			return nil, fmt.Errorf("failed to record prompt: %w", err)
		}
	}

	instance, err := s.resolveInstance(req.Agent)
	if err != nil {
		return nil, err
	}

	if err := s.store.EnsureConversation(ctx, req.ConversationID, req.UserID); err != nil {
		return nil, fmt.Errorf("failed to ensure conversation: %w", err)
	}

	summary, err := s.store.GetSummary(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	profile, err := s.store.GetUserProfile(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	history, err := s.store.History(ctx, req.ConversationID, 1)
	if err != nil {
		return nil, err
	}
	firstTurn := len(history) == 0

	// Read the previous feedback seed; the lock is released before any
	// provider call.
	var feedbackSeed string
	err = s.store.WithSpiritLock(ctx, instance.Agent.Key, func(mem *store.SpiritMemory) error {
		feedbackSeed = mem.LastFeedbackSeed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read spirit memory: %w", err)
	}

	tc := faculty.TurnContext{
		UserProfile:  profile,
		Summary:      summary,
		FeedbackSeed: feedbackSeed,
	}

	answer, reflection, contextUsed, err := instance.Intellect.Run(ctx, req.UserPrompt, tc)
	if err != nil {
		s.logger.Error("intellect failed", "agent", instance.Agent.Key, "error", err)
		s.observeRouteError(err, llms.RouteIntellect)
		return &Response{Answer: IntellectFailureAnswer}, nil
	}

	decision, reason, werr := instance.Will.Evaluate(ctx, req.UserPrompt, answer, summary)
	if werr != nil {
		s.logger.Error("will failed", "agent", instance.Agent.Key, "error", werr)
		s.observeRouteError(werr, llms.RouteWill)
	}

	// One reflexion retry: regenerate with the Will reason as a corrective
	// directive, then re-judge.
	if decision == parse.DecisionViolation && werr == nil {
		retryTC := tc
		retryTC.PluginContext = fmt.Sprintf(
			"[Your previous draft was rejected by policy review: %s. Produce a compliant answer.]", reason)
		answer2, reflection2, contextUsed2, rerr := instance.Intellect.Run(ctx, req.UserPrompt, retryTC)
		if rerr != nil {
			s.logger.Error("reflexion intellect failed", "agent", instance.Agent.Key, "error", rerr)
			s.observeRouteError(rerr, llms.RouteIntellect)
		} else {
			decision2, reason2, werr2 := instance.Will.Evaluate(ctx, req.UserPrompt, answer2, summary)
			if werr2 != nil {
				s.logger.Error("reflexion will failed", "agent", instance.Agent.Key, "error", werr2)
				s.observeRouteError(werr2, llms.RouteWill)
			}
			answer, reflection, contextUsed = answer2, reflection2, contextUsed2
			decision, reason = decision2, reason2
		}
	}

	finalOutput := answer
	if decision == parse.DecisionViolation {
		finalOutput = "[Blocked: " + reason + "]"
	}

	messageID := uuid.NewString()
	userMsg := store.Message{
		MessageID:      messageID,
		ConversationID: req.ConversationID,
		Role:           store.RoleUser,
		Content:        req.UserPrompt,
	}
	assistantMsg := store.Message{
		MessageID:      messageID,
		ConversationID: req.ConversationID,
		Role:           store.RoleAssistant,
		Content:        finalOutput,
		AuditStatus:    store.StatusPending,
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}
	if err := s.store.AppendMessage(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("failed to persist assistant message: %w", err)
	}

	var newTitle string
	if firstTurn {
		newTitle = s.generateTitle(ctx, instance, req.ConversationID, req.UserPrompt)
	}

	s.audits.submit(pendingAudit{
		instance:       instance,
		userID:         req.UserID,
		conversationID: req.ConversationID,
		messageID:      messageID,
		userPrompt:     req.UserPrompt,
		draft:          answer,
		reflection:     reflection,
		contextUsed:    contextUsed,
		finalOutput:    finalOutput,
		willDecision:   decision,
		willReason:     reason,
		summary:        summary,
	})

	s.metrics.ObserveTurn(string(decision), time.Since(started))

	return &Response{
		Answer:       finalOutput,
		MessageID:    messageID,
		WillDecision: decision,
		WillReason:   reason,
		NewTitle:     newTitle,
	}, nil
}

// GetAuditResult polls the deferred-audit outcome for a message id. It is
// idempotent and side-effect free.
func (s *Service) GetAuditResult(ctx context.Context, messageID string) (*AuditView, error) {
	status, res, err := s.store.GetAuditResult(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return &AuditView{Status: "not_found"}, nil
	}
	if err != nil {
		return nil, err
	}
	if status != store.StatusComplete {
		return &AuditView{Status: "pending"}, nil
	}

	view := &AuditView{
		Status:           "complete",
		SpiritScore:      res.SpiritScore,
		SpiritNote:       res.SpiritNote,
		SuggestedPrompts: res.Suggestions,
	}
	// The stored ledger is canonical JSON written by the audit, not model
	// output; an empty array stays an empty ledger.
	if len(res.Ledger) > 0 {
		if err := json.Unmarshal(res.Ledger, &view.Ledger); err != nil {
			return nil, fmt.Errorf("corrupt audit ledger for message %s: %w", messageID, err)
		}
	}
	return view, nil
}

// InvalidateAgent drops every cached instance of the agent. In-flight turns
// holding an instance reference finish on the old compilation. Idempotent.
func (s *Service) InvalidateAgent(agentKey string) {
	dropped := s.cache.Invalidate(agentKey)
	if dropped > 0 {
		s.logger.Info("agent instances invalidated", "agent", agentKey, "dropped", dropped)
	}
}

// Close drains the background audit pool. Audits already queued run to
// completion within the drain timeout.
func (s *Service) Close() error {
	return s.audits.close()
}

// resolveInstance returns the cached instance for the selector, compiling
// the agent on a miss.
func (s *Service) resolveInstance(sel AgentSelector) (*Instance, error) {
	agentKey := sel.AgentKey
	if agentKey == "" {
		agentKey = s.cfg.Orchestrator.DefaultAgent
	}
	if agentKey == "" {
		return nil, fmt.Errorf("no agent selected and no default agent configured")
	}

	persona, ok := s.lookupPersona(agentKey)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentKey)
	}

	policyID := sel.PolicyID
	if policyID == "" {
		policyID = s.cfg.Org.DefaultPolicy
	}
	var policy *ethics.GovernancePolicy
	if policyID != "" {
		p, ok := s.cfg.Policies[policyID]
		if !ok {
			return nil, fmt.Errorf("unknown governance policy %q", policyID)
		}
		policy = &p
	}

	models := map[llms.Route]string{}
	if sel.IntellectModel != "" {
		models[llms.RouteIntellect] = sel.IntellectModel
	}
	if sel.WillModel != "" {
		models[llms.RouteWill] = sel.WillModel
	}
	if sel.ConscienceModel != "" {
		models[llms.RouteConscience] = sel.ConscienceModel
	}

	router := s.router.WithModels(models)
	key := CacheKey(agentKey,
		router.Model(llms.RouteIntellect),
		router.Model(llms.RouteWill),
		router.Model(llms.RouteConscience),
		policyID,
		s.orgSettingsHash())

	return s.cache.GetOrCreate(key, func() (*Instance, error) {
		weight := *s.cfg.Org.GovernanceWeight
		agent, err := ethics.Compile(persona, policy, weight)
		if err != nil {
			return nil, fmt.Errorf("failed to compile agent %q: %w", agentKey, err)
		}
		agent.Key = ethics.NormalizeName(agentKey)

		beta := *s.cfg.Org.SpiritBeta
		return newInstance(agent, router, s.ragp, beta, s.cfg.Orchestrator.TrendWindow, s.cfg.Org.ID), nil
	})
}

func (s *Service) lookupPersona(agentKey string) (ethics.Persona, bool) {
	if p, ok := s.cfg.Personas[agentKey]; ok {
		return p, true
	}
	// Tolerate selector spellings that differ only in normalization.
	want := ethics.NormalizeName(agentKey)
	for name, p := range s.cfg.Personas {
		if ethics.NormalizeName(name) == want {
			return p, true
		}
	}
	return ethics.Persona{}, false
}

// orgSettingsHash digests the org-level knobs baked into a compiled
// instance, so changing them yields new cache keys.
func (s *Service) orgSettingsHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%v|%v|%s", s.cfg.Org.ID, *s.cfg.Org.GovernanceWeight, *s.cfg.Org.SpiritBeta, s.cfg.Org.DefaultPolicy)
	return hex.EncodeToString(h.Sum(nil))
}

// generateTitle asks the summarizer route for a short conversation title.
// Best-effort: failures are logged and an empty title returned.
func (s *Service) generateTitle(ctx context.Context, instance *Instance, conversationID, userPrompt string) string {
	if !instance.Router.HasRoute(llms.RouteSummarizer) {
		return ""
	}
	title, err := instance.Router.Invoke(ctx, llms.RouteSummarizer,
		"Produce a conversation title of at most six words. Respond with the title only, no quotes.",
		userPrompt, llms.Params{})
	if err != nil {
		s.logger.Warn("title generation failed", "conversation", conversationID, "error", err)
		return ""
	}
	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"`))
	if title == "" {
		return ""
	}
	if err := s.store.SetTitle(ctx, conversationID, title); err != nil {
		s.logger.Warn("failed to save title", "conversation", conversationID, "error", err)
		return ""
	}
	return title
}

func (s *Service) observeRouteError(err error, route llms.Route) {
	var perr *llms.ProviderError
	if errors.As(err, &perr) {
		s.metrics.ObserveProviderError(string(perr.Route))
		return
	}
	s.metrics.ObserveProviderError(string(route))
}
