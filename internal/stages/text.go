package stages

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/cache"
	"github.com/sells-group/enrich-cli/internal/fetcher"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/resilience"
	"github.com/sells-group/enrich-cli/internal/stage"
	"github.com/sells-group/enrich-cli/internal/tagging"
	"github.com/sells-group/enrich-cli/pkg/jina"
)

// Text extraction fields.
const (
	FieldReportText  = "report_text"
	FieldReportWords = "report_words"
)

// minDirectWords is the shortest direct extraction accepted before the
// remote reader is tried.
const minDirectWords = 50

type reportText struct {
	Title string `json:"title,omitempty"`
	Text  string `json:"text,omitempty"`
	Words int    `json:"words,omitempty"`
	Via   string `json:"via,omitempty"`
}

type textStage struct {
	base
	fetcher  fetcher.Fetcher
	reader   jina.Client
	table    *cache.Table[reportText]
	maxChars int
}

func newTextStage(d Deps, cfg stage.Config) (stage.Stage, []tagging.Rule, error) {
	if d.Fetcher == nil && d.Jina == nil {
		return nil, nil, eris.New("stages: text_extraction requires a fetcher or reader")
	}
	maxChars := d.MaxTextChars
	if maxChars <= 0 {
		maxChars = DefaultMaxTextChars
	}
	return &textStage{
		base:     describe(TextExtraction),
		fetcher:  d.Fetcher,
		reader:   d.Jina,
		table:    newTable[reportText](d, "report_text"),
		maxChars: cfg.Int("max_chars", maxChars),
	}, nil, nil
}

func (s *textStage) Process(ctx context.Context, records []model.Record, cfg stage.Config, onLog stage.LogFunc, onProgress stage.ProgressFunc) (*stage.Output, error) {
	start := time.Now()
	m := newMeter(s.id, len(records))
	sess := s.table.Begin(ctx)
	var downloads, reads atomic.Int64
	var readerTokens atomic.Int64

	out, err := stage.Records(ctx, records, cfg, onProgress, func(ctx context.Context, r *model.Record) error {
		u := strings.TrimSpace(r.String(FieldReportURL))
		key := ""
		if u != "" {
			key = "url:" + u
		}
		txt, src := sess.Lookup(ctx, key, func(ctx context.Context) (reportText, error) {
			return s.extract(ctx, u, m, &downloads, &reads, &readerTokens)
		})
		if src.Source == model.SourceError || src.Source == model.SourcePlaceholder {
			r.SetSource(FieldReportText, src)
			return nil
		}
		setSourced(r, FieldReportText, txt.Text, src)
		r.Set(FieldReportWords, txt.Words)
		stage.Logf(onLog, "%s: %d words via %s (%s)", r.NaturalKey(), txt.Words, orDash(txt.Via), src.Source)
		return nil
	})
	if err != nil {
		return partial(out, err)
	}

	m.substep(model.SubstepAnalytics{Name: "download", APICalls: int(downloads.Load())})
	m.substep(model.SubstepAnalytics{Name: "reader", APICalls: int(reads.Load()), TokenUnits: readerTokens.Load()})
	m.specific("reader_tokens", float64(readerTokens.Load()))
	stats := sess.Stats()
	return m.finish(start, out, &stats), nil
}

// extract downloads the document and converts it locally. PDFs, other
// binary formats and near-empty pages go through the remote reader.
func (s *textStage) extract(ctx context.Context, u string, m *meter, downloads, reads, tokens *atomic.Int64) (reportText, error) {
	if s.fetcher != nil {
		m.calls(1)
		downloads.Add(1)
		doc, err := s.fetcher.Fetch(ctx, u)
		if err != nil {
			if resilience.IsValidation(err) || s.reader == nil {
				return reportText{}, err
			}
			zap.L().Debug("stages: direct download failed, using reader", zap.String("url", u), zap.Error(err))
		} else {
			txt, err := fetcher.Extract(doc, s.maxChars)
			switch {
			case err == nil && (txt.Words >= minDirectWords || s.reader == nil):
				return reportText{Title: txt.Title, Text: txt.Markdown, Words: txt.Words, Via: "direct"}, nil
			case err != nil && !errors.Is(err, fetcher.ErrUnsupportedContent):
				return reportText{}, err
			case err != nil && s.reader == nil:
				return reportText{}, resilience.Validationf("stages: %s: no reader for %s", u, doc.ContentType)
			}
		}
	}

	m.calls(1)
	reads.Add(1)
	resp, err := s.reader.Read(ctx, u)
	if err != nil {
		return reportText{}, err
	}
	tokens.Add(int64(resp.Data.Usage.Tokens))
	text := fetcher.Truncate(strings.TrimSpace(resp.Data.Content), s.maxChars)
	return reportText{
		Title: resp.Data.Title,
		Text:  text,
		Words: len(strings.Fields(text)),
		Via:   "reader",
	}, nil
}
