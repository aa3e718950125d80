// Package generate implements autoregressive decoding over a step function
// that scores the next token for a batch of sequences. Greedy search is used
// when the configuration asks for a single beam, beam search otherwise.
package generate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Step returns next-token logits for each sequence. All sequences in one call
// have the same length.
type Step func(ctx context.Context, seqs [][]int64) ([][]float32, error)

// Config mirrors the generation defaults shipped with a checkpoint.
type Config struct {
	MaxLength           int
	MaxNewTokens        int
	NumBeams            int
	LengthPenalty       float64
	EarlyStopping       bool
	NoRepeatNgramSize   int
	DecoderStartTokenID int64
	EOSTokenID          int64
	PadTokenID          int64
}

func DefaultConfig() Config {
	return Config{
		MaxLength:           20,
		NumBeams:            1,
		LengthPenalty:       1.0,
		DecoderStartTokenID: 2,
		EOSTokenID:          2,
		PadTokenID:          1,
	}
}

// limit is the total sequence length, decoder start token included.
func (c Config) limit() int {
	if c.MaxNewTokens > 0 {
		return c.MaxNewTokens + 1
	}
	return c.MaxLength
}

func (c Config) Validate() error {
	if c.limit() < 1 {
		return errors.New("max length must be positive")
	}
	if c.NumBeams < 1 {
		return fmt.Errorf("num_beams must be at least 1, got %d", c.NumBeams)
	}
	if c.NoRepeatNgramSize < 0 {
		return fmt.Errorf("no_repeat_ngram_size must not be negative, got %d", c.NoRepeatNgramSize)
	}
	return nil
}

// Run decodes one sequence starting from the decoder start token. The
// returned ids include the start token and the EOS token when one was
// produced.
func Run(ctx context.Context, step Step, cfg Config) ([]int64, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.NumBeams == 1 {
		return greedy(ctx, step, cfg)
	}
	return beam(ctx, step, cfg)
}

func greedy(ctx context.Context, step Step, cfg Config) ([]int64, error) {
	seq := []int64{cfg.DecoderStartTokenID}
	for len(seq) < cfg.limit() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logits, err := step(ctx, [][]int64{seq})
		if err != nil {
			return nil, err
		}
		if len(logits) != 1 || len(logits[0]) == 0 {
			return nil, fmt.Errorf("step returned %d rows for 1 sequence", len(logits))
		}
		row := logits[0]
		banNgrams(row, seq, cfg.NoRepeatNgramSize)
		next := int64(argmax(row))
		seq = append(seq, next)
		if next == cfg.EOSTokenID {
			break
		}
	}
	return seq, nil
}

type hypothesis struct {
	seq   []int64
	score float64
}

type candidate struct {
	beam  int
	token int64
	score float64
}

func beam(ctx context.Context, step Step, cfg Config) ([]int64, error) {
	n := cfg.NumBeams
	beams := []hypothesis{{seq: []int64{cfg.DecoderStartTokenID}}}
	var done []hypothesis

	for cur := 1; cur < cfg.limit(); cur++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		seqs := make([][]int64, len(beams))
		for i, b := range beams {
			seqs[i] = b.seq
		}
		logits, err := step(ctx, seqs)
		if err != nil {
			return nil, err
		}
		if len(logits) != len(beams) {
			return nil, fmt.Errorf("step returned %d rows for %d sequences", len(logits), len(beams))
		}

		var cands []candidate
		for i, row := range logits {
			lp := logSoftmax(row)
			banNgrams(lp, beams[i].seq, cfg.NoRepeatNgramSize)
			for _, tok := range topK(lp, 2*n) {
				if math.IsInf(lp[tok], -1) {
					continue
				}
				cands = append(cands, candidate{beam: i, token: int64(tok), score: beams[i].score + lp[tok]})
			}
		}
		sort.SliceStable(cands, func(a, b int) bool { return cands[a].score > cands[b].score })

		next := make([]hypothesis, 0, n)
		for rank, c := range cands {
			seq := append(append([]int64(nil), beams[c.beam].seq...), c.token)
			if c.token == cfg.EOSTokenID {
				// eos only counts when it comes from the top n candidates
				if rank >= n {
					continue
				}
				done = addFinished(done, hypothesis{seq: seq, score: c.score / lengthNorm(len(seq), cfg.LengthPenalty)}, n)
				continue
			}
			next = append(next, hypothesis{seq: seq, score: c.score})
			if len(next) == n {
				break
			}
		}
		if len(next) == 0 || isDone(done, next[0].score, cur+1, cfg) {
			beams = nil
			break
		}
		beams = next
	}

	// sequences cut at the length limit compete with finished ones
	for _, b := range beams {
		done = addFinished(done, hypothesis{seq: b.seq, score: b.score / lengthNorm(len(b.seq), cfg.LengthPenalty)}, n)
	}
	if len(done) == 0 {
		return nil, errors.New("beam search produced no hypothesis")
	}
	return done[0].seq, nil
}

// addFinished keeps the n best finished hypotheses sorted by score.
func addFinished(done []hypothesis, h hypothesis, n int) []hypothesis {
	done = append(done, h)
	sort.SliceStable(done, func(a, b int) bool { return done[a].score > done[b].score })
	if len(done) > n {
		done = done[:n]
	}
	return done
}

func isDone(done []hypothesis, bestRunning float64, curLen int, cfg Config) bool {
	if len(done) < cfg.NumBeams {
		return false
	}
	if cfg.EarlyStopping {
		return true
	}
	worst := done[len(done)-1].score
	return worst >= bestRunning/lengthNorm(curLen, cfg.LengthPenalty)
}

func lengthNorm(length int, penalty float64) float64 {
	return math.Pow(float64(length), penalty)
}

func argmax(row []float32) int {
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	return best
}

func logSoftmax(row []float32) []float64 {
	maxV := math.Inf(-1)
	for _, v := range row {
		maxV = math.Max(maxV, float64(v))
	}
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v) - maxV)
	}
	logSum := maxV + math.Log(sum)
	out := make([]float64, len(row))
	for i, v := range row {
		out[i] = float64(v) - logSum
	}
	return out
}

func topK(row []float64, k int) []int {
	idx := make([]int, len(row))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return row[idx[a]] > row[idx[b]] })
	if k < len(idx) {
		idx = idx[:k]
	}
	return idx
}

// banNgrams sets to -Inf every token that would repeat an n-gram already
// present in seq.
func banNgrams[T float32 | float64](row []T, seq []int64, n int) {
	if n <= 0 || len(seq)+1 < n {
		return
	}
	prefix := seq[len(seq)-n+1:]
	for start := 0; start+n <= len(seq); start++ {
		match := true
		for j := range prefix {
			if seq[start+j] != prefix[j] {
				match = false
				break
			}
		}
		if match {
			tok := seq[start+n-1]
			if tok >= 0 && int(tok) < len(row) {
				row[tok] = T(math.Inf(-1))
			}
		}
	}
}
