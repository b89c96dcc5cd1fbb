// Package synthesis turns completed step results into a cited research
// summary and a probability estimate. Everything here is deterministic: the
// same step results always synthesize to the same output, so runs are
// replayable and the verifier's judgment is stable.
package synthesis

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"github.com/foresight-tools/foresight/internal/models"
	"github.com/foresight-tools/foresight/internal/provider"
)

// Options tunes synthesis. Zero value gets sensible defaults.
type Options struct {
	// SimilarityThreshold above which two snippets count as duplicates.
	SimilarityThreshold float64
	// MaxFactors caps the factor list.
	MaxFactors int
	// Clock supplies GeneratedAt; defaults to time.Now.
	Clock func() time.Time
}

// Synthesizer extracts factors and derives a probability from step results.
type Synthesizer struct {
	logger *zap.Logger
	opts   Options
}

// New creates a synthesizer. Threshold defaults to 0.92, factor cap to 20.
func New(logger *zap.Logger, opts Options) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SimilarityThreshold <= 0 || opts.SimilarityThreshold > 1 {
		opts.SimilarityThreshold = 0.92
	}
	if opts.MaxFactors <= 0 {
		opts.MaxFactors = 20
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Synthesizer{logger: logger, opts: opts}
}

// snippet is a candidate factor before dedupe and the citation check.
type snippet struct {
	text string
	url  string
}

var (
	bullRe = regexp.MustCompile(`(?i)\b(yes|likely|will|confirmed|approved|surge[ds]?|gain(s|ed)?|increas(e[ds]?|ing)|ris(e|es|ing)|rose|won|wins?|winning|succe(ss|eded?)|lead(s|ing)?|ahead|strong|positive|favou?rs?|beat|exceed(s|ed)?|record)\b`)
	bearRe = regexp.MustCompile(`(?i)\b(no|unlikely|won'?t|fail(s|ed|ure)?|reject(s|ed)?|denied|declin(e[ds]?|ing)|drop(s|ped)?|f(a|e)ll(s|ing)?|los(e[s]?|t|ing|ses)|delay(s|ed)?|weak|negative|doubt(s|ful)?|collaps(e[ds]?|ing)|miss(es|ed)?|behind|postpon(e[ds]?|ing))\b`)

	percentRe = regexp.MustCompile(`\b(\d{1,3}(?:\.\d+)?)\s?%`)
	probRe    = regexp.MustCompile(`(?i)\bprobability(?:\s+of)?[\s:]+(1(?:\.0+)?|0?\.\d+)`)
)

// Synthesize builds the summary and analysis from the plan's terminal steps.
// Budget exhaustion and total cost are read off the steps themselves so a
// partial run still synthesizes whatever completed.
func (s *Synthesizer) Synthesize(subject models.ResearchSubject, plan *models.Plan) (models.ResearchSummary, models.AnalysisResult) {
	snippets, answers := s.collect(plan)
	factors := s.dedupe(snippets)

	prob, basis := s.probability(answers, factors)
	confidence := confidenceFor(distinctDomains(factors))

	summary := models.ResearchSummary{
		Factors:   factors,
		Narrative: narrative(subject, factors, answers),
	}
	for _, step := range plan.Steps {
		summary.TotalCost = summary.TotalCost.Add(step.Cost)
		if step.Status == models.StepSkipped {
			summary.BudgetExhausted = true
		}
	}

	analysis := models.AnalysisResult{
		SubjectID:            subject.ID,
		MarketProbability:    subject.MarketProbability,
		PredictedProbability: math.Round(prob*10000) / 100, // 0..100, 2dp
		Confidence:           confidence,
		Reasoning:            reasoning(basis, factors, confidence),
		Factors:              factors,
		Sources:              sourceList(factors),
		GeneratedAt:          s.opts.Clock().UTC(),
	}

	s.logger.Info("synthesis complete",
		zap.String("subject_id", subject.ID),
		zap.Int("factors", len(factors)),
		zap.Float64("predicted_probability", analysis.PredictedProbability),
		zap.String("confidence", string(confidence)),
	)
	return summary, analysis
}

// collect walks completed steps in plan order and pulls snippet candidates
// plus free-form answer texts used for probability parsing.
func (s *Synthesizer) collect(plan *models.Plan) ([]snippet, []string) {
	var snippets []snippet
	var answers []string

	for _, step := range plan.Steps {
		if step.Status != models.StepCompleted || step.Result == "" {
			continue
		}
		switch step.Action {
		case models.ActionSearch:
			var res provider.SearchResult
			if json.Unmarshal([]byte(step.Result), &res) != nil {
				continue
			}
			for _, hit := range res.Hits {
				text := hit.Snippet
				if text == "" {
					text = hit.Title
				}
				snippets = append(snippets, snippet{text: text, url: hit.URL})
			}

		case models.ActionFetchContents:
			var res provider.ContentsResult
			if json.Unmarshal([]byte(step.Result), &res) != nil {
				continue
			}
			for _, page := range res.Pages {
				snippets = append(snippets, snippet{text: excerpt(page.Text, 240), url: page.URL})
			}

		case models.ActionAsk:
			var res provider.AskResult
			if json.Unmarshal([]byte(step.Result), &res) != nil {
				continue
			}
			if res.Answer != "" {
				answers = append(answers, res.Answer)
			}
			for _, c := range res.Citations {
				text := c.Snippet
				if text == "" {
					text = c.Title
				}
				snippets = append(snippets, snippet{text: text, url: c.URL})
			}

		case models.ActionDeepTask:
			// Deep output is free text; it informs the probability estimate
			// but carries no per-claim citation, so it never becomes a factor.
			answers = append(answers, step.Result)
		}
	}
	return snippets, answers
}

// dedupe drops uncited snippets, collapses near duplicates, classifies
// impact, and caps the result. First occurrence wins so output order is the
// plan's evidence order.
func (s *Synthesizer) dedupe(candidates []snippet) []models.Factor {
	var factors []models.Factor
	var kept []string

	for _, c := range candidates {
		text := strings.TrimSpace(c.text)
		if text == "" || c.url == "" {
			continue
		}
		norm := normalize(text)
		dup := false
		for _, prev := range kept {
			if similarity(norm, prev) >= s.opts.SimilarityThreshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		kept = append(kept, norm)
		factors = append(factors, models.Factor{
			Description: text,
			Impact:      classify(text),
			SourceURL:   c.url,
		})
		if len(factors) >= s.opts.MaxFactors {
			break
		}
	}
	return factors
}

// DedupeFactors collapses near-duplicate factors from merged evidence sets,
// first occurrence winning. A non-positive threshold gets the default 0.92.
func DedupeFactors(factors []models.Factor, threshold float64) []models.Factor {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.92
	}
	var out []models.Factor
	var kept []string
	for _, f := range factors {
		if f.SourceURL == "" || strings.TrimSpace(f.Description) == "" {
			continue
		}
		norm := normalize(f.Description)
		dup := false
		for _, prev := range kept {
			if similarity(norm, prev) >= threshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		kept = append(kept, norm)
		out = append(out, f)
	}
	return out
}

// probability derives the estimate: an explicit probability mention in any
// answer text wins; otherwise the bull/bear word balance across all evidence
// maps into [0.20, 0.80]. Returns the estimate in 0..1 and a basis label.
func (s *Synthesizer) probability(answers []string, factors []models.Factor) (float64, string) {
	for _, a := range answers {
		if p, ok := parseExplicit(a); ok {
			return p, "explicit probability mention"
		}
	}

	var bull, bear int
	for _, a := range answers {
		bull += len(bullRe.FindAllString(a, -1))
		bear += len(bearRe.FindAllString(a, -1))
	}
	for _, f := range factors {
		bull += len(bullRe.FindAllString(f.Description, -1))
		bear += len(bearRe.FindAllString(f.Description, -1))
	}
	if bull+bear == 0 {
		return 0.5, "no directional evidence"
	}
	p := 0.5 + 0.3*float64(bull-bear)/float64(bull+bear)
	return clamp(p, 0.20, 0.80), "sentiment balance"
}

// parseExplicit finds "NN%" or "probability 0.NN" in text. Percent values
// above 100 are ignored as noise.
func parseExplicit(text string) (float64, bool) {
	if m := probRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v >= 0 && v <= 1 {
			return v, true
		}
	}
	if m := percentRe.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v <= 100 {
			return v / 100, true
		}
	}
	return 0, false
}

func classify(text string) models.Impact {
	bull := len(bullRe.FindAllString(text, -1))
	bear := len(bearRe.FindAllString(text, -1))
	switch {
	case bull > bear:
		return models.ImpactUp
	case bear > bull:
		return models.ImpactDown
	default:
		return models.ImpactUnclear
	}
}

// similarity is normalized levenshtein: 1 is identical, 0 fully distinct.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func distinctDomains(factors []models.Factor) int {
	seen := make(map[string]bool)
	for _, f := range factors {
		if d := domainOf(f.SourceURL); d != "" {
			seen[d] = true
		}
	}
	return len(seen)
}

func domainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func confidenceFor(domains int) models.Confidence {
	switch {
	case domains >= 4:
		return models.ConfidenceHigh
	case domains >= 2:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

func sourceList(factors []models.Factor) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range factors {
		if !seen[f.SourceURL] {
			seen[f.SourceURL] = true
			out = append(out, f.SourceURL)
		}
	}
	return out
}

func narrative(subject models.ResearchSubject, factors []models.Factor, answers []string) string {
	counts := map[models.Impact]int{}
	for _, f := range factors {
		counts[f.Impact]++
	}
	return fmt.Sprintf("%s: %d cited factors (%d up, %d down, %d unclear) from %d answer passages.",
		subject.Title, len(factors),
		counts[models.ImpactUp], counts[models.ImpactDown], counts[models.ImpactUnclear],
		len(answers))
}

func reasoning(basis string, factors []models.Factor, confidence models.Confidence) string {
	domains := make(map[string]bool)
	for _, f := range factors {
		if d := domainOf(f.SourceURL); d != "" {
			domains[d] = true
		}
	}
	names := make([]string, 0, len(domains))
	for d := range domains {
		names = append(names, d)
	}
	sort.Strings(names)
	return fmt.Sprintf("Estimate derived from %s over %d factors across %d source domains (%s); confidence %s.",
		basis, len(factors), len(names), strings.Join(names, ", "), confidence)
}

func excerpt(text string, max int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
