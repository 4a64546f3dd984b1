package embeddings

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// wordPieceTokenizer is a minimal WordPiece tokenizer compatible with
// BERT-style vocabularies (one token per line).
type wordPieceTokenizer struct {
	vocab     map[string]int32
	maxLength int
	clsID     int32
	sepID     int32
	padID     int32
	unkID     int32
}

func newWordPieceTokenizer(vocabPath string, maxLength int) (*wordPieceTokenizer, error) {
	file, err := os.Open(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary: %w", err)
	}
	defer file.Close()

	vocab := make(map[string]int32, 32768)
	scanner := bufio.NewScanner(file)
	var id int32
	for scanner.Scan() {
		vocab[strings.TrimSpace(scanner.Text())] = id
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocabulary: %w", err)
	}

	t := &wordPieceTokenizer{vocab: vocab, maxLength: maxLength}
	var ok bool
	if t.clsID, ok = vocab["[CLS]"]; !ok {
		return nil, fmt.Errorf("vocabulary missing [CLS]")
	}
	if t.sepID, ok = vocab["[SEP]"]; !ok {
		return nil, fmt.Errorf("vocabulary missing [SEP]")
	}
	if t.padID, ok = vocab["[PAD]"]; !ok {
		return nil, fmt.Errorf("vocabulary missing [PAD]")
	}
	if t.unkID, ok = vocab["[UNK]"]; !ok {
		return nil, fmt.Errorf("vocabulary missing [UNK]")
	}
	return t, nil
}

// Tokenize produces a padded, truncated input sequence.
func (t *wordPieceTokenizer) Tokenize(text string) *TokenizedInput {
	ids := []int32{t.clsID}

	for _, word := range strings.Fields(strings.ToLower(text)) {
		if len(ids) >= t.maxLength-1 {
			break
		}
		ids = append(ids, t.tokenizeWord(word)...)
	}
	if len(ids) > t.maxLength-1 {
		ids = ids[:t.maxLength-1]
	}
	ids = append(ids, t.sepID)

	input := &TokenizedInput{
		InputIDs:      make([]int32, t.maxLength),
		AttentionMask: make([]int32, t.maxLength),
		TokenTypeIDs:  make([]int32, t.maxLength),
	}
	for i := 0; i < t.maxLength; i++ {
		if i < len(ids) {
			input.InputIDs[i] = ids[i]
			input.AttentionMask[i] = 1
		} else {
			input.InputIDs[i] = t.padID
		}
	}
	return input
}

// tokenizeWord applies greedy longest-match-first WordPiece splitting.
func (t *wordPieceTokenizer) tokenizeWord(word string) []int32 {
	if id, ok := t.vocab[word]; ok {
		return []int32{id}
	}

	var pieces []int32
	runes := []rune(word)
	start := 0
	for start < len(runes) {
		end := len(runes)
		var match int32 = -1
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				match = id
				break
			}
			end--
		}
		if match < 0 {
			return []int32{t.unkID}
		}
		pieces = append(pieces, match)
		start = end
	}
	return pieces
}
