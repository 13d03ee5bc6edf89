package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/enrich-cli/internal/cache"
	"github.com/sells-group/enrich-cli/internal/llm"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/stage"
	"github.com/sells-group/enrich-cli/internal/tagging"
)

// FieldTitleLabel holds the title classification label.
const FieldTitleLabel = "title_label"

// DefaultTitleLabels are used when the labels option is unset. The last
// label marks a title as irrelevant.
var DefaultTitleLabels = []string{"Decision Maker", "Influencer", tagging.TagIrrelevant}

const titleSystem = `You classify job titles for B2B lead qualification.
Answer with exactly one label from the list you are given and nothing else.`

type titleLabel struct {
	Label string `json:"label,omitempty"`
}

type titleStage struct {
	base
	llm          llm.Client
	table        *cache.Table[titleLabel]
	labels       []string
	irrelevant   string
	instructions string
}

func newTitleStage(d Deps, cfg stage.Config) (stage.Stage, []tagging.Rule, error) {
	if err := requireLLM(TitleClassification, d); err != nil {
		return nil, nil, err
	}
	labels := cfg.Strings("labels")
	if len(labels) == 0 {
		labels = DefaultTitleLabels
	}
	irrelevant := cfg.String("irrelevant_label", tagging.TagIrrelevant)
	s := &titleStage{
		base:         describe(TitleClassification),
		llm:          d.LLM,
		table:        newTable[titleLabel](d, "title"),
		labels:       labels,
		irrelevant:   irrelevant,
		instructions: cfg.String("instructions", ""),
	}
	return s, []tagging.Rule{tagging.FieldEquals(FieldTitleLabel, irrelevant, tagging.TagIrrelevant)}, nil
}

func (s *titleStage) Process(ctx context.Context, records []model.Record, cfg stage.Config, onLog stage.LogFunc, onProgress stage.ProgressFunc) (*stage.Output, error) {
	start := time.Now()
	m := newMeter(s.id, len(records))
	sess := s.table.Begin(ctx)

	out, err := stage.Records(ctx, records, cfg, onProgress, func(ctx context.Context, r *model.Record) error {
		title := strings.TrimSpace(r.Title)
		if title == "" {
			setSourced(r, FieldTitleLabel, s.irrelevant, model.SourceMarker{Source: model.SourcePlaceholder, Error: "empty title"})
			m.specific("empty_titles", 1)
			stage.Logf(onLog, "%s: empty title", r.NaturalKey())
			return nil
		}

		val, src := sess.Lookup(ctx, "title:"+model.FoldName(title), func(ctx context.Context) (titleLabel, error) {
			return s.classify(ctx, title, m)
		})
		setSourced(r, FieldTitleLabel, val.Label, src)
		stage.Logf(onLog, "%s: %q -> %s (%s)", r.NaturalKey(), title, val.Label, src.Source)
		return nil
	})
	if err != nil {
		return partial(out, err)
	}
	stats := sess.Stats()
	return m.finish(start, out, &stats), nil
}

func (s *titleStage) classify(ctx context.Context, title string, m *meter) (titleLabel, error) {
	prompt := fmt.Sprintf("Labels: %s\n\nJob title: %s", strings.Join(s.labels, ", "), title)
	if s.instructions != "" {
		prompt = s.instructions + "\n\n" + prompt
	}
	resp, err := s.llm.Complete(ctx, llm.Request{
		System:      titleSystem,
		Prompt:      prompt,
		MaxTokens:   16,
		Temperature: llm.Temperature(0),
	})
	m.tokens(resp)
	if err != nil {
		return titleLabel{}, err
	}
	label, ok := matchLabel(resp.Text, s.labels)
	if !ok {
		return titleLabel{}, eris.Errorf("stages: title label %q not in %v", strings.TrimSpace(resp.Text), s.labels)
	}
	return titleLabel{Label: label}, nil
}

// matchLabel maps a model answer onto a configured label, tolerating case,
// punctuation and surrounding prose.
func matchLabel(answer string, labels []string) (string, bool) {
	a := strings.ToLower(strings.Trim(strings.TrimSpace(answer), `."'*`))
	for _, l := range labels {
		if strings.EqualFold(a, l) {
			return l, true
		}
	}
	best := ""
	for _, l := range labels {
		if strings.Contains(a, strings.ToLower(l)) && len(l) > len(best) {
			best = l
		}
	}
	return best, best != ""
}
