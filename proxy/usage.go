package proxy

import (
	"log"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/gliderlab/overlaygate/letta"
)

var (
	tokenizer     *tiktoken.Tiktoken
	tokenizerOnce sync.Once
)

func initTokenizer() {
	tokenizerOnce.Do(func() {
		var err error
		tokenizer, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Printf("[WARN] tokenizer unavailable, estimating usage by length: %v", err)
			return
		}
		log.Printf("[OK] Tiktoken tokenizer loaded (cl100k_base)")
	})
}

// countTokens counts BPE tokens, or estimates four bytes per token when the
// tokenizer could not be loaded.
func countTokens(text string) int {
	if text == "" {
		return 0
	}
	initTokenizer()
	if tokenizer != nil {
		if n := len(tokenizer.Encode(text, nil, nil)); n > 0 {
			return n
		}
		return 1
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// usageFor prefers the platform's own accounting and estimates only when it is missing.
func usageFor(u *letta.Usage, sent []letta.MessageCreate, completion string) openai.Usage {
	if u != nil && u.TotalTokens > 0 {
		return openai.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	prompt := 0
	for _, m := range sent {
		prompt += countTokens(m.Text())
	}
	out := countTokens(completion)
	return openai.Usage{PromptTokens: prompt, CompletionTokens: out, TotalTokens: prompt + out}
}
