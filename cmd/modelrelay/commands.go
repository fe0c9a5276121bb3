package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/domain"
	"github.com/modelrelay/modelrelay/internal/gateway"
	"github.com/modelrelay/modelrelay/internal/usage"
)

func cmdAddModel(store *config.FileStore, args []string) error {
	fs := flag.NewFlagSet("add-model", flag.ExitOnError)
	id := fs.String("id", "", "model id (required)")
	providerKind := fs.String("provider", "", "provider kind: openai, anthropic, gemini, perplexity (required)")
	wireName := fs.String("wire-name", "", "provider-side model name")
	secretKind := fs.String("secret-kind", "env", "secret store kind")
	secretID := fs.String("secret-id", "", "secret identifier")
	priority := fs.Int("priority", 3, "priority 1 (highest) to 5 (lowest)")
	inputCost := fs.Float64("input-cost", 0, "USD per 1K input tokens")
	outputCost := fs.Float64("output-cost", 0, "USD per 1K output tokens")
	maxTokens := fs.Int("max-tokens", 4096, "default max output tokens")
	rateLimit := fs.Int("rate-limit", 0, "per-minute rate limit, 0 = unlimited")
	failureThreshold := fs.Int("failure-threshold", 5, "consecutive failures before the circuit opens")
	recoveryTimeout := fs.Int("recovery-timeout", 60, "seconds before an open circuit probes again")
	active := fs.Bool("active", true, "activate the model")
	stream := fs.Bool("supports-stream", true, "model supports streaming")
	fs.Parse(args)

	if *id == "" || *providerKind == "" {
		return fmt.Errorf("add-model: -id and -provider are required")
	}
	if *wireName == "" {
		*wireName = *id
	}

	if err := store.LoadConfigurations(context.Background()); err != nil {
		return err
	}
	err := store.AddModel(domain.ModelConfig{
		ModelID:          *id,
		Provider:         *providerKind,
		WireName:         *wireName,
		SecretRef:        domain.SecretRef{Kind: *secretKind, Identifier: *secretID},
		Active:           *active,
		Priority:         *priority,
		InputCostPer1K:   *inputCost,
		OutputCostPer1K:  *outputCost,
		MaxTokens:        *maxTokens,
		SupportsStream:   *stream,
		RateLimitPerMin:  *rateLimit,
		FailureThreshold: *failureThreshold,
		RecoveryTimeout:  *recoveryTimeout,
	})
	if err != nil {
		return err
	}
	if err := store.Save(); err != nil {
		return err
	}
	fmt.Printf("model %s added\n", *id)
	return nil
}

func cmdToggleModel(store *config.FileStore, args []string) error {
	fs := flag.NewFlagSet("toggle-model", flag.ExitOnError)
	id := fs.String("id", "", "model id (required)")
	active := fs.Bool("active", true, "desired active state")
	fs.Parse(args)

	if *id == "" {
		return fmt.Errorf("toggle-model: -id is required")
	}

	if err := store.LoadConfigurations(context.Background()); err != nil {
		return err
	}
	if err := store.ToggleModel(*id, *active); err != nil {
		return err
	}
	if err := store.Save(); err != nil {
		return err
	}
	fmt.Printf("model %s active=%v\n", *id, *active)
	return nil
}

func cmdListModels(ctx context.Context, store *config.FileStore, _ []string) error {
	if err := store.LoadConfigurations(ctx); err != nil {
		return err
	}

	models := store.Models()
	if len(models) == 0 {
		fmt.Println("no models configured")
		return nil
	}
	for _, m := range models {
		fmt.Printf("%-24s provider=%-12s priority=%d active=%-5v $%.4f/$%.4f per 1K\n",
			m.ModelID, m.Provider, m.Priority, m.Active, m.InputCostPer1K, m.OutputCostPer1K)
	}
	return nil
}

func cmdAddRoutingRule(store *config.FileStore, args []string) error {
	fs := flag.NewFlagSet("add-routing-rule", flag.ExitOnError)
	id := fs.String("id", "", "rule id (required)")
	conditions := fs.String("conditions", "", "comma-separated key=value pairs")
	targets := fs.String("targets", "", "comma-separated model ids in priority order (required)")
	weight := fs.Int("weight", 0, "higher weight evaluates first")
	fs.Parse(args)

	if *id == "" || *targets == "" {
		return fmt.Errorf("add-routing-rule: -id and -targets are required")
	}

	condMap := make(map[string]string)
	for _, pair := range splitList(*conditions) {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("add-routing-rule: bad condition %q, want key=value", pair)
		}
		condMap[key] = value
	}

	if err := store.LoadConfigurations(context.Background()); err != nil {
		return err
	}
	err := store.AddRoutingRule(domain.RoutingRule{
		RuleID:     *id,
		Conditions: condMap,
		Targets:    splitList(*targets),
		Weight:     *weight,
		Active:     true,
	})
	if err != nil {
		return err
	}
	if err := store.Save(); err != nil {
		return err
	}
	fmt.Printf("routing rule %s added\n", *id)
	return nil
}

func cmdCreateABTest(store *config.FileStore, args []string) error {
	fs := flag.NewFlagSet("create-ab-test", flag.ExitOnError)
	id := fs.String("id", "", "test id (required)")
	start := fs.String("start", "", "start time, RFC 3339 (default now)")
	end := fs.String("end", "", "end time, RFC 3339 (required)")
	split := fs.String("split", "", "variant=fraction pairs, e.g. A=0.5,B=0.5 (required)")
	variants := fs.String("variants", "", "variant=model1;model2 pairs, e.g. A=m1,B=m2;m3 (required)")
	fs.Parse(args)

	if *id == "" || *end == "" || *split == "" || *variants == "" {
		return fmt.Errorf("create-ab-test: -id, -end, -split, and -variants are required")
	}

	startAt := time.Now().UTC()
	if *start != "" {
		t, err := time.Parse(time.RFC3339, *start)
		if err != nil {
			return fmt.Errorf("create-ab-test: bad -start: %w", err)
		}
		startAt = t
	}
	endAt, err := time.Parse(time.RFC3339, *end)
	if err != nil {
		return fmt.Errorf("create-ab-test: bad -end: %w", err)
	}

	splitMap := make(map[string]float64)
	for _, pair := range splitList(*split) {
		variant, fracStr, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("create-ab-test: bad split %q", pair)
		}
		frac, err := strconv.ParseFloat(fracStr, 64)
		if err != nil {
			return fmt.Errorf("create-ab-test: bad fraction %q", fracStr)
		}
		splitMap[variant] = frac
	}

	variantMap := make(map[string][]string)
	for _, pair := range splitList(*variants) {
		variant, models, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("create-ab-test: bad variant %q", pair)
		}
		variantMap[variant] = strings.Split(models, ";")
	}

	if err := store.LoadConfigurations(context.Background()); err != nil {
		return err
	}
	err = store.AddABTest(domain.ABTest{
		TestID:       *id,
		Start:        startAt,
		End:          endAt,
		TrafficSplit: splitMap,
		Variants:     variantMap,
	})
	if err != nil {
		return err
	}
	if err := store.Save(); err != nil {
		return err
	}
	fmt.Printf("A/B test %s added\n", *id)
	return nil
}

func cmdCreateBudget(store *config.FileStore, args []string) error {
	fs := flag.NewFlagSet("create-budget", flag.ExitOnError)
	id := fs.String("id", "", "budget id (required)")
	limit := fs.Float64("limit", 0, "limit in USD (required)")
	period := fs.String("period", "monthly", "daily, weekly, monthly, or quarterly")
	thresholds := fs.String("thresholds", "0.5,0.8,0.95", "comma-separated alert fractions")
	groups := fs.String("groups", "", "comma-separated group tags, empty = global")
	autoDisable := fs.Bool("auto-disable", true, "deny requests once the limit is reached")
	fs.Parse(args)

	if *id == "" || *limit <= 0 {
		return fmt.Errorf("create-budget: -id and a positive -limit are required")
	}

	var alertThresholds []float64
	for _, s := range splitList(*thresholds) {
		t, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("create-budget: bad threshold %q", s)
		}
		alertThresholds = append(alertThresholds, t)
	}

	if err := store.LoadConfigurations(context.Background()); err != nil {
		return err
	}
	err := store.AddBudget(domain.BudgetConfig{
		BudgetID:           *id,
		LimitUSD:           *limit,
		Period:             domain.BudgetPeriod(*period),
		AlertThresholds:    alertThresholds,
		AutoDisableAtLimit: *autoDisable,
		Groups:             splitList(*groups),
	})
	if err != nil {
		return err
	}
	if err := store.Save(); err != nil {
		return err
	}
	fmt.Printf("budget %s added\n", *id)
	return nil
}

func cmdExportConfig(ctx context.Context, store *config.FileStore, args []string) error {
	fs := flag.NewFlagSet("export-config", flag.ExitOnError)
	out := fs.String("out", "", "write to file instead of stdout")
	fs.Parse(args)

	if err := store.LoadConfigurations(ctx); err != nil {
		return err
	}

	data, err := json.MarshalIndent(store.Export(), "", "  ")
	if err != nil {
		return err
	}
	if *out != "" {
		return os.WriteFile(*out, data, 0o644)
	}
	fmt.Println(string(data))
	return nil
}

func cmdUsageReport(ctx context.Context, env *config.Env, args []string) error {
	fs := flag.NewFlagSet("usage-report", flag.ExitOnError)
	window := fs.Duration("since", 24*time.Hour, "report window")
	user := fs.String("user", "", "filter to one user id")
	fs.Parse(args)

	if env.DatabaseURL == "" {
		return fmt.Errorf("usage-report: DATABASE_URL is required for historical reports")
	}
	db, err := usage.OpenPostgres(ctx, env.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	analytics := usage.NewAnalytics(usage.NewPostgresSink(db))
	summary, err := analytics.Summarize(ctx, time.Now().Add(-*window), *user)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func cmdStatus(ctx context.Context, g *gateway.Gateway) error {
	status, err := g.GetProviderStatus(ctx)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func completeCommand(ctx context.Context, env *config.Env, store config.Store, args []string) error {
	fs := flag.NewFlagSet("complete", flag.ExitOnError)
	prompt := fs.String("prompt", "", "prompt text (required)")
	user := fs.String("user", "", "user id (required)")
	maxTokens := fs.Int("max-tokens", 0, "max output tokens")
	temperature := fs.Float64("temperature", 0.7, "sampling temperature")
	taskType := fs.String("task-type", "", "task type for routing and cache TTL")
	tier := fs.String("tier", "", "user tier id")
	session := fs.String("session", "", "session id")
	stream := fs.Bool("stream", false, "stream the response")
	fs.Parse(args)

	if *prompt == "" || *user == "" {
		return fmt.Errorf("complete: -prompt and -user are required")
	}

	req := domain.Request{
		Prompt:      *prompt,
		UserID:      *user,
		TaskType:    *taskType,
		UserTier:    *tier,
		SessionID:   *session,
		MaxTokens:   *maxTokens,
		Temperature: *temperature,
		Stream:      *stream,
	}

	return withGateway(ctx, env, store, func(ctx context.Context, g *gateway.Gateway) error {
		if !*stream {
			resp, err := g.ProcessRequest(ctx, req)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		chunks, errs, err := g.ProcessStream(ctx, req)
		if err != nil {
			return err
		}
		for chunk := range chunks {
			if chunk.Done {
				fmt.Println("\n[DONE]")
				continue
			}
			fmt.Print(chunk.Content)
		}
		if streamErr := <-errs; streamErr != nil {
			return streamErr
		}
		return nil
	})
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
