package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"
)

const (
	routeOther             = "other"
	routeSourceRules       = "rules"
	routeSourceML          = "ml"
	phraseMatchScore       = 3
	filenameMatchScore     = 2
	tokenMatchScore        = 1
	minTokenMatchLength    = 3
	defaultMLRouterTimeout = 5 * time.Second
)

type departmentKeywords struct {
	Department string
	Keywords   []string
}

// Order matters: on equal scores the earlier department keeps the lead.
var departmentKeywordTable = []departmentKeywords{
	{Department: deptRoads, Keywords: []string{"pothole", "road damage", "crack", "sidewalk", "speed bump", "traffic signal", "bridge"}},
	{Department: deptSanitation, Keywords: []string{"garbage", "trash", "waste", "litter", "overflowing bin", "illegal dumping", "sewage"}},
	{Department: deptElectrical, Keywords: []string{"streetlight", "street light", "power outage", "exposed wire", "electric pole", "transformer"}},
	{Department: deptWater, Keywords: []string{"water leak", "pipe burst", "leaking pipe", "no water", "water supply", "contaminated water"}},
	{Department: deptParks, Keywords: []string{"fallen tree", "tree branch", "park", "playground", "overgrown", "pollution"}},
}

var (
	highPriorityKeywords   = []string{"emergency", "urgent", "fire", "flooding", "flood", "accident", "danger", "dangerous", "collapse", "electrocution", "sparking"}
	mediumPriorityKeywords = []string{"large", "broken", "hazard", "blocked", "damaged", "overflowing", "leaking", "deep"}
)

type RouteResult struct {
	Department string `json:"department"`
	Score      int    `json:"score"`
	Source     string `json:"source"`
}

func normalizeRoutingText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func filenameKeywordVariants(keyword string) []string {
	if !strings.Contains(keyword, " ") {
		return []string{keyword}
	}
	return []string{
		strings.ReplaceAll(keyword, " ", ""),
		strings.ReplaceAll(keyword, " ", "_"),
		strings.ReplaceAll(keyword, " ", "-"),
	}
}

func scoreKeyword(normalized string, tokens map[string]struct{}, filenames []string, keyword string) int {
	score := 0
	if containsPhrase(normalized, keyword) {
		score += phraseMatchScore
	} else {
		for _, part := range strings.Fields(keyword) {
			if len(part) < minTokenMatchLength {
				continue
			}
			if _, ok := tokens[part]; ok {
				score += tokenMatchScore
				break
			}
		}
	}

	variants := filenameKeywordVariants(keyword)
	for _, name := range filenames {
		lowered := strings.ToLower(name)
		for _, variant := range variants {
			if strings.Contains(lowered, variant) {
				score += filenameMatchScore
				break
			}
		}
	}
	return score
}

// routeByKeywords is the local, network-free department classifier.
func routeByKeywords(text string, filenames []string) RouteResult {
	normalized := normalizeRoutingText(text)
	tokens := make(map[string]struct{})
	for _, token := range strings.Fields(normalized) {
		tokens[token] = struct{}{}
	}

	best := RouteResult{Department: routeOther, Score: 0, Source: routeSourceRules}
	for _, entry := range departmentKeywordTable {
		total := 0
		for _, keyword := range entry.Keywords {
			total += scoreKeyword(normalized, tokens, filenames, keyword)
		}
		if total > best.Score {
			best = RouteResult{Department: entry.Department, Score: total, Source: routeSourceRules}
		}
	}
	return best
}

func containsWord(normalized string, word string) bool {
	return strings.Contains(" "+normalized+" ", " "+word+" ")
}

// containsPhrase matches on word boundaries and tolerates a plural "s".
func containsPhrase(normalized string, phrase string) bool {
	return containsWord(normalized, phrase) || containsWord(normalized, phrase+"s")
}

func determinePriority(title, description string) string {
	normalized := normalizeRoutingText(title + " " + description)
	for _, keyword := range highPriorityKeywords {
		if containsWord(normalized, keyword) {
			return "high"
		}
	}
	for _, keyword := range mediumPriorityKeywords {
		if containsWord(normalized, keyword) {
			return "medium"
		}
	}
	return "low"
}

func urgencyScore(title, description string) int {
	normalized := normalizeRoutingText(title + " " + description)
	score := 0
	for _, keyword := range highPriorityKeywords {
		if containsWord(normalized, keyword) {
			score += 2
		}
	}
	for _, keyword := range mediumPriorityKeywords {
		if containsWord(normalized, keyword) {
			score++
		}
	}
	return score
}

// AutoRouter asks the optional remote classifier first and falls back to
// routeByKeywords on any failure.
type AutoRouter struct {
	MLURL   string
	Client  *http.Client
	Timeout time.Duration
	Log     *slog.Logger
}

func (r *AutoRouter) Route(ctx context.Context, text string, filenames []string) RouteResult {
	if r != nil && r.MLURL != "" {
		department, err := r.routeRemote(ctx, text, filenames)
		if err == nil && department != "" {
			return RouteResult{Department: department, Score: 0, Source: routeSourceML}
		}
		if err != nil && r.Log != nil {
			r.Log.Warn("remote classifier unavailable, using keyword rules", "err", err)
		}
	}
	return routeByKeywords(text, filenames)
}

func (r *AutoRouter) routeRemote(ctx context.Context, text string, filenames []string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultMLRouterTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if filenames == nil {
		filenames = []string{}
	}
	body, err := json.Marshal(map[string]any{"description": text, "filenames": filenames})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.MLURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("classifier returned status %d", resp.StatusCode)
	}

	var data struct {
		Department string `json:"department"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", err
	}
	return strings.TrimSpace(data.Department), nil
}
