package emotion

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"companion/internal/domain"
)

const (
	keywordMatchConfidence = 0.7
	noMatchConfidence      = 0.8
)

type keywordEntry struct {
	label    domain.Emotion
	keywords []string
}

// KeywordTable infers emotion from transcript text. Entries are checked in order;
// the first label with a keyword contained in the text wins.
type KeywordTable struct {
	entries []keywordEntry
}

// DefaultKeywordTable returns the built-in lexicon.
func DefaultKeywordTable() *KeywordTable {
	return &KeywordTable{entries: []keywordEntry{
		{domain.EmotionHappy, []string{"happy", "great", "awesome", "wonderful", "excited", "love", "good", "amazing", "excellent", "fantastic", "laugh"}},
		{domain.EmotionSad, []string{"sad", "depressed", "unhappy", "down", "upset", "crying", "terrible", "awful", "lonely"}},
		{domain.EmotionAngry, []string{"angry", "mad", "furious", "annoyed", "frustrated", "hate", "irritated", "pissed"}},
		{domain.EmotionAnxious, []string{"anxious", "worried", "nervous", "scared", "afraid", "stress", "panic", "fear"}},
		{domain.EmotionFearful, []string{"terrified", "frightened", "horrified", "petrified"}},
		{domain.EmotionSurprised, []string{"surprised", "shocked", "unexpected", "astonished", "can't believe"}},
		{domain.EmotionDisgusted, []string{"disgusted", "disgusting", "gross", "revolting", "nasty"}},
	}}
}

// LoadKeywordTable reads a `label: keyword, keyword` file. File order is priority.
// An empty path or a missing file yields the default table.
func LoadKeywordTable(path string) (*KeywordTable, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultKeywordTable(), nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultKeywordTable(), nil
		}
		return nil, fmt.Errorf("failed to read keyword file %q: %w", path, err)
	}

	table, err := parseKeywordTable(string(contents))
	if err != nil {
		return nil, fmt.Errorf("failed to parse keyword file %q: %w", path, err)
	}
	return table, nil
}

func parseKeywordTable(contents string) (*KeywordTable, error) {
	lines := strings.Split(contents, "\n")
	seen := make(map[domain.Emotion]bool)
	table := &KeywordTable{}

	for index, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		name, list, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("line %d: expected \"label: keyword, keyword\"", index+1)
		}
		label := domain.Emotion(strings.ToLower(strings.TrimSpace(name)))
		if domain.ParseEmotion(string(label)) != label || label == domain.EmotionNeutral {
			return nil, fmt.Errorf("line %d: unsupported label %q", index+1, name)
		}
		if seen[label] {
			return nil, fmt.Errorf("line %d: duplicate label %q", index+1, label)
		}

		var keywords []string
		for _, kw := range strings.Split(list, ",") {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				keywords = append(keywords, kw)
			}
		}
		if len(keywords) == 0 {
			return nil, fmt.Errorf("line %d: label %q has no keywords", index+1, label)
		}

		seen[label] = true
		table.entries = append(table.entries, keywordEntry{label: label, keywords: keywords})
	}

	if len(table.entries) == 0 {
		return nil, errors.New("no keyword entries")
	}
	return table, nil
}

// Classify is a pure function of text.
func (t *KeywordTable) Classify(text string) domain.EmotionSignal {
	lower := strings.ToLower(text)
	for _, entry := range t.entries {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return domain.EmotionSignal{Label: entry.label, Confidence: keywordMatchConfidence, Source: domain.EmotionSourceText}
			}
		}
	}
	return domain.EmotionSignal{Label: domain.EmotionNeutral, Confidence: noMatchConfidence, Source: domain.EmotionSourceText}
}

// Labels lists the table's labels in priority order.
func (t *KeywordTable) Labels() []domain.Emotion {
	out := make([]domain.Emotion, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, entry.label)
	}
	return out
}
