package ai

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const defaultLocalDimensions = 256

type localConfig struct {
	Dimensions int `json:"dimensions"`
}

// localEmbedProvider hashes word and character-trigram features into a fixed
// number of buckets. It needs no network access and is deterministic.
type localEmbedProvider struct {
	dimensions int
}

func (p *localEmbedProvider) Name() string {
	return "local"
}

func (p *localEmbedProvider) Embed(_ context.Context, _ string, text string, _ string) ([]float32, error) {
	vec := make([]float32, p.dimensions)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		p.add(vec, "w:"+w, 1)
		runes := []rune("^" + w + "$")
		for i := 0; i+3 <= len(runes); i++ {
			p.add(vec, "t:"+string(runes[i:i+3]), 0.5)
		}
	}
	var sum float64
	for _, x := range vec {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}

func (p *localEmbedProvider) add(vec []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(p.dimensions))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func createLocalEmbedFactory(args interface{}) (IEmbedProvider, error) {
	cfg := &localConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = defaultLocalDimensions
	}
	return &localEmbedProvider{dimensions: cfg.Dimensions}, nil
}

func init() {
	RegisterEmbed("local", createLocalEmbedFactory)
}
