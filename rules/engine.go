// Package rules derives FinOps and SecOps recommendations from instances
// by evaluating Rego policies.
package rules

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/cloudwatcher/telemetry"
	"github.com/yairfalse/cloudwatcher/types"
)

//go:embed rules.rego
var builtinPolicy string

// Query is the rule set every policy module contributes to
const Query = "data.cloudwatcher.rules.findings"

// recommendationNamespace seeds deterministic recommendation ids
var recommendationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://cloudwatcher/recommendations"))

// Generator produces recommendations for a snapshot
type Generator interface {
	Generate(ctx context.Context, instances []types.Instance) ([]types.Recommendation, error)
}

// Engine evaluates a prepared query once per instance
type Engine struct {
	query   rego.PreparedEvalQuery
	modules []string
	logger  *telemetry.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures an Engine
type Option func(*engineOptions)

type engineOptions struct {
	policyDir string
	modules   map[string]string
	skipBuilt bool
	now       func() time.Time
}

// WithPolicyDir loads every .rego file under dir in addition to the
// built-in rules
func WithPolicyDir(dir string) Option {
	return func(o *engineOptions) { o.policyDir = dir }
}

// WithModule adds an inline policy module
func WithModule(name, source string) Option {
	return func(o *engineOptions) { o.modules[name] = source }
}

// WithoutBuiltin drops the embedded rule set
func WithoutBuiltin() Option {
	return func(o *engineOptions) { o.skipBuilt = true }
}

// WithClock sets the timestamp source for generated recommendations
func WithClock(now func() time.Time) Option {
	return func(o *engineOptions) { o.now = now }
}

// New compiles the policies and prepares the query
func New(ctx context.Context, opts ...Option) (*Engine, error) {
	o := engineOptions{modules: map[string]string{}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if !o.skipBuilt {
		o.modules["rules.rego"] = builtinPolicy
	}
	if o.policyDir != "" {
		if err := loadPolicyDir(o.policyDir, o.modules); err != nil {
			return nil, err
		}
	}
	if len(o.modules) == 0 {
		return nil, fmt.Errorf("no policy modules configured")
	}

	names := make([]string, 0, len(o.modules))
	for name := range o.modules {
		names = append(names, name)
	}
	sort.Strings(names)

	regoOpts := []func(*rego.Rego){rego.Query(Query)}
	for _, name := range names {
		regoOpts = append(regoOpts, rego.Module(name, o.modules[name]))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policies: %w", err)
	}

	return &Engine{
		query:   prepared,
		modules: names,
		logger:  telemetry.NewLogger("rules"),
		tracer:  telemetry.Tracer(),
		now:     o.now,
	}, nil
}

// Modules lists the loaded policy module names
func (e *Engine) Modules() []string {
	return append([]string(nil), e.modules...)
}

func loadPolicyDir(dir string, modules map[string]string) error {
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("policy directory %s: %w", dir, err)
	}

	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		content, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		modules[filepath.ToSlash(rel)] = string(content)
		return nil
	})
}

// policyInput is what a policy sees as input
type policyInput struct {
	ID          string            `json:"id"`
	AccountID   string            `json:"account_id"`
	Provider    types.Provider    `json:"provider"`
	InstanceID  string            `json:"instance_id"`
	DisplayName string            `json:"display_name"`
	Name        string            `json:"name"`
	Region      string            `json:"region"`
	Size        string            `json:"size"`
	State       string            `json:"state"`
	PublicIP    string            `json:"public_ip"`
	PrivateIP   string            `json:"private_ip"`
	Tags        map[string]string `json:"tags"`
}

func newPolicyInput(inst *types.Instance) policyInput {
	tags := inst.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	return policyInput{
		ID:          inst.ID,
		AccountID:   inst.AccountID,
		Provider:    inst.Provider,
		InstanceID:  inst.InstanceID,
		DisplayName: inst.DisplayName(),
		Name:        inst.Name,
		Region:      inst.Region,
		Size:        inst.Size,
		State:       inst.State,
		PublicIP:    inst.PublicIP,
		PrivateIP:   inst.PrivateIP,
		Tags:        tags,
	}
}

// finding is one element of the findings set
type finding struct {
	RuleID      string         `json:"rule_id"`
	Category    types.Category `json:"category"`
	Severity    types.Severity `json:"severity"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Evidence    map[string]any `json:"evidence"`
}

// Generate evaluates every instance and returns recommendations ordered
// by resource id then rule id
func (e *Engine) Generate(ctx context.Context, instances []types.Instance) ([]types.Recommendation, error) {
	ctx, span := e.tracer.Start(ctx, "rules.generate",
		trace.WithAttributes(attribute.Int("instances.count", len(instances))))
	defer span.End()

	now := e.now().UTC()
	var recs []types.Recommendation
	for i := range instances {
		inst := &instances[i]
		findings, err := e.evaluate(ctx, inst)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s: %w", inst.Identity(), err)
		}
		for _, f := range findings {
			recs = append(recs, toRecommendation(inst, f, now))
		}
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].ResourceID != recs[j].ResourceID {
			return recs[i].ResourceID < recs[j].ResourceID
		}
		return recs[i].RuleID < recs[j].RuleID
	})

	span.SetAttributes(attribute.Int("recommendations.count", len(recs)))
	e.logger.WithContext(ctx).Debug().
		Int("instances", len(instances)).
		Int("recommendations", len(recs)).
		Msg("rules evaluated")
	return recs, nil
}

func (e *Engine) evaluate(ctx context.Context, inst *types.Instance) ([]finding, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(newPolicyInput(inst)))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	// The value is a decoded JSON array; round-trip it into typed findings.
	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("encode findings: %w", err)
	}
	var findings []finding
	if err := json.Unmarshal(raw, &findings); err != nil {
		return nil, fmt.Errorf("policy returned malformed findings: %w", err)
	}

	valid := findings[:0]
	for _, f := range findings {
		if f.RuleID == "" {
			e.logger.WithContext(ctx).Warn().
				Str("instance_id", inst.InstanceID).
				Msg("dropping finding without rule_id")
			continue
		}
		valid = append(valid, f)
	}
	return valid, nil
}

func toRecommendation(inst *types.Instance, f finding, now time.Time) types.Recommendation {
	rec := types.Recommendation{
		AccountID:    inst.AccountID,
		Provider:     inst.Provider,
		ResourceType: "instance",
		ResourceID:   inst.InstanceID,
		Category:     f.Category,
		Severity:     f.Severity,
		RuleID:       f.RuleID,
		Title:        f.Title,
		Description:  f.Description,
		Evidence:     stringifyEvidence(f.Evidence),
		Status:       types.RecommendationOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	rec.ID = RecommendationID(&rec)
	return rec
}

// RecommendationID is stable for the same account, rule and resource
func RecommendationID(rec *types.Recommendation) string {
	return uuid.NewSHA1(recommendationNamespace, []byte(rec.StatusKey())).String()
}

func stringifyEvidence(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
