// Command noteembed is a debugging utility: it embeds a piece of text with
// the configured backend and prints the result, useful for checking that a
// local model is pulled and produces the declared dimension.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/notectx/notectx-mcp/internal/config"
	"github.com/notectx/notectx-mcp/internal/embedder"
)

func main() {
	log.SetFlags(0)

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	text := strings.Join(os.Args[1:], " ")
	if text == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatalf("read stdin: %v", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		log.Fatal("usage: noteembed <text>  (or pipe text on stdin)")
	}

	emb, err := embedder.New(cfg)
	if err != nil {
		log.Fatalf("embedder: %v", err)
	}
	defer func() { _ = emb.Close() }()

	spec := emb.Spec()
	fmt.Printf("model:     %s (%s)\n", spec.ID, spec.Provider)
	fmt.Printf("artifact:  %s\n", emb.Artifact())
	fmt.Printf("dimension: %d\n", spec.Dimension)
	fmt.Printf("max tokens: %d (%s, overflow=%s)\n", spec.MaxTokens, spec.Tokenizer, spec.Overflow)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	start := time.Now()
	result, err := emb.Embed(ctx, embedder.Request{Text: text})
	if err != nil {
		log.Fatalf("embed: %v", err)
	}

	fmt.Printf("tokens:    %d (truncated=%v)\n", result.TokenCount, result.Truncated)
	fmt.Printf("elapsed:   %s\n", time.Since(start).Round(time.Millisecond))

	n := 8
	if len(result.Vector) < n {
		n = len(result.Vector)
	}
	fmt.Printf("vector[:%d] = %v\n", n, result.Vector[:n])
}
