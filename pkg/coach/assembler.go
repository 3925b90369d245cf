// Package coach assembles the context the coaching dialogue runs on: a
// cached per-user dossier, correction handling, and periodic fact check-ins.
package coach

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/innerloop-ai/innerloop/pkg/airouter"
	"github.com/innerloop-ai/innerloop/pkg/models"
	"github.com/innerloop-ai/innerloop/pkg/storage"
)

// ProfileStore reads and writes the layered profile.
type ProfileStore interface {
	Get(ctx context.Context, userID int64) (*models.PersonalityProfile, error)
	Upsert(ctx context.Context, p *models.PersonalityProfile) error
}

// AnswerStore provides the user's recent answers.
type AnswerStore interface {
	RecentAnswers(ctx context.Context, userID int64, limit int) ([]models.Answer, error)
}

// Router is the model routing surface the assembler calls.
type Router interface {
	Route(ctx context.Context, req airouter.RouteRequest) (*airouter.Result, error)
}

// Config tunes the assembler.
type Config struct {
	// CacheTTL bounds how long a dossier may serve without regeneration.
	CacheTTL time.Duration
	// RecentAnswers is how many answers feed the dossier prompt.
	RecentAnswers int
	// TopN caps goals and barriers in the deterministic fallback.
	TopN int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:      24 * time.Hour,
		RecentAnswers: 10,
		TopN:          3,
	}
}

// Assembler produces dossiers for the coach.
type Assembler struct {
	profiles ProfileStore
	answers  AnswerStore
	router   Router
	cache    Cache
	cfg      Config
	logger   *slog.Logger
}

// New builds an Assembler. router may be nil; the deterministic fallback then
// always serves.
func New(profiles ProfileStore, answers AnswerStore, router Router, cache Cache, cfg Config, logger *slog.Logger) *Assembler {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	if cfg.RecentAnswers <= 0 {
		cfg.RecentAnswers = DefaultConfig().RecentAnswers
	}
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultConfig().TopN
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		profiles: profiles,
		answers:  answers,
		router:   router,
		cache:    cache,
		cfg:      cfg,
		logger:   logger.With("component", "coach_assembler"),
	}
}

// InvalidateDossier drops the cached dossier. Satisfies the profile writer's
// invalidation hook.
func (a *Assembler) InvalidateDossier(ctx context.Context, userID int64) error {
	return a.cache.Invalidate(ctx, userID)
}

// Dossier returns the user's dossier, from cache when the underlying data
// has not changed, otherwise regenerated.
func (a *Assembler) Dossier(ctx context.Context, userID int64) (*models.Dossier, error) {
	p, err := a.profiles.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		p = models.NewPersonalityProfile(userID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}

	recent, err := a.answers.RecentAnswers(ctx, userID, a.cfg.RecentAnswers)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent answers: %w", err)
	}

	hash := sourceHash(p, recent)
	if cached, err := a.cache.Get(ctx, userID); err != nil {
		a.logger.Warn("Dossier cache read failed", "user_id", userID, "error", err)
	} else if cached != nil && cached.RawDataHash == hash {
		return cached, nil
	}

	d := a.generate(ctx, p, recent)
	d.UserID = userID
	d.GeneratedAt = time.Now()
	d.AnswersCountAtGeneration = p.TotalAnswersAnalyzed
	d.RawDataHash = hash

	if err := a.cache.Set(ctx, d, a.cfg.CacheTTL); err != nil {
		a.logger.Warn("Dossier cache write failed", "user_id", userID, "error", err)
	}
	return d, nil
}

// HandleUserMessage runs correction detection over an incoming coach message.
// On a hit it invalidates the dossier and returns the response prefix the
// coach must lead with.
func (a *Assembler) HandleUserMessage(ctx context.Context, userID int64, message string) (string, bool) {
	kind, ok := DetectCorrection(message)
	if !ok {
		return "", false
	}
	if err := a.cache.Invalidate(ctx, userID); err != nil {
		a.logger.Warn("Failed to invalidate dossier after correction",
			"user_id", userID, "error", err)
	}
	a.logger.Info("User correction detected", "user_id", userID, "kind", kind)
	return ResponsePrefix(kind), true
}

func (a *Assembler) generate(ctx context.Context, p *models.PersonalityProfile, recent []models.Answer) *models.Dossier {
	if a.router != nil {
		d, err := a.generateWithModel(ctx, p, recent)
		if err == nil {
			return d
		}
		a.logger.Warn("Model dossier generation failed, using extractor",
			"user_id", p.UserID, "error", err)
	}
	return fallbackDossier(p, a.cfg.TopN)
}

const dossierSystemPrompt = `Ты — аналитик, готовящий досье пользователя для его персонального коуча.
По профилю и недавним ответам верни строго JSON-объект:
{
  "who": "2-3 предложения о том, кто этот человек",
  "top_goals": ["..."],
  "top_barriers": ["..."],
  "patterns": ["..."],
  "contradictions": ["..."],
  "hypothesis": "главная гипотеза о внутреннем конфликте",
  "style_hints": "как с этим человеком разговаривать"
}
Никакого текста вне JSON.`

func (a *Assembler) generateWithModel(ctx context.Context, p *models.PersonalityProfile, recent []models.Answer) (*models.Dossier, error) {
	res, err := a.router.Route(ctx, airouter.RouteRequest{
		System:     dossierSystemPrompt,
		Prompt:     dossierPrompt(p, recent),
		Complexity: airouter.ComplexityDaily,
	})
	if err != nil {
		return nil, err
	}

	var d models.Dossier
	raw := strings.TrimSpace(res.Response.Text)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("dossier output is not valid JSON: %w", err)
	}
	if d.Who == "" {
		return nil, fmt.Errorf("dossier output missing who")
	}
	return &d, nil
}

func dossierPrompt(p *models.PersonalityProfile, recent []models.Answer) string {
	var b strings.Builder
	b.WriteString("Профиль пользователя по слоям:\n")
	for _, layer := range models.ProfileLayerNames() {
		items := p.Layers[layer]
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "- %s:", layer)
		for _, item := range sortedItems(items) {
			fmt.Fprintf(&b, " %s (status=%s, priority=%d);", item.Key, item.Status, item.Priority)
		}
		b.WriteString("\n")
	}
	if len(recent) > 0 {
		b.WriteString("\nНедавние ответы:\n")
		for _, ans := range recent {
			fmt.Fprintf(&b, "- %s\n", ans.AnswerText)
		}
	}
	return b.String()
}

// fallbackDossier is the deterministic top-N extractor used when no model is
// available.
func fallbackDossier(p *models.PersonalityProfile, topN int) *models.Dossier {
	d := &models.Dossier{
		TopGoals:    topKeys(p.Layers[models.LayerGoals], topN),
		TopBarriers: topKeys(p.Layers[models.LayerBarriers], topN),
	}

	identity := topKeys(p.Layers[models.LayerIdentity], topN)
	if len(identity) > 0 {
		d.Who = strings.Join(identity, ", ")
	} else {
		d.Who = "Пользователь, о котором пока мало известно."
	}
	return d
}

// topKeys returns up to n active item keys, highest priority first, ties by
// key for determinism.
func topKeys(items map[string]models.ProfileItem, n int) []string {
	var active []models.ProfileItem
	for _, item := range items {
		if item.Status != models.ItemStatusInactive {
			active = append(active, item)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].Key < active[j].Key
	})
	if len(active) > n {
		active = active[:n]
	}
	out := make([]string, len(active))
	for i, item := range active {
		out[i] = item.Key
	}
	return out
}

func sortedItems(items map[string]models.ProfileItem) []models.ProfileItem {
	out := make([]models.ProfileItem, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// sourceHash fingerprints everything a dossier is derived from.
func sourceHash(p *models.PersonalityProfile, recent []models.Answer) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	for _, layer := range models.ProfileLayerNames() {
		_ = enc.Encode(sortedItems(p.Layers[layer]))
	}
	fmt.Fprintf(h, "%d", p.TotalAnswersAnalyzed)
	for _, ans := range recent {
		fmt.Fprintf(h, "%d:%s", ans.ID, ans.AnswerText)
	}
	return hex.EncodeToString(h.Sum(nil))
}
