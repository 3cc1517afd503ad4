package extract

import (
	"context"
	"fmt"

	"github.com/go-shiori/go-readability"
)

// HTML extracts the readable article text of an HTML page
type HTML struct{}

func (HTML) ExtractText(ctx context.Context, path string) (string, error) {
	f, err := openChecked(ctx, path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	article, err := readability.FromReader(f, nil)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	return article.TextContent, nil
}

// ExtractMetadata returns the page title and byline when present
func (HTML) ExtractMetadata(ctx context.Context, path string) (map[string]string, error) {
	f, err := openChecked(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	article, err := readability.FromReader(f, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	meta := textMetadata(article.TextContent)
	if article.Title != "" {
		meta["title"] = article.Title
	}
	if article.Byline != "" {
		meta["byline"] = article.Byline
	}
	return meta, nil
}
