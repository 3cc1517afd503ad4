package extract

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Text extracts plain text and markdown files verbatim
type Text struct{}

// ExtractText reads the whole file. Invalid UTF-8 is replaced.
func (Text) ExtractText(ctx context.Context, path string) (string, error) {
	f, err := openChecked(ctx, path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	return readText(f)
}

// ExtractMetadata reports line count and any sensitive-data categories found
func (t Text) ExtractMetadata(ctx context.Context, path string) (map[string]string, error) {
	text, err := t.ExtractText(ctx, path)
	if err != nil {
		return nil, err
	}
	return textMetadata(text), nil
}

func readText(r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read text: %w", err)
	}
	if !utf8.Valid(data) {
		return strings.ToValidUTF8(string(data), "�"), nil
	}
	return string(data), nil
}

func textMetadata(text string) map[string]string {
	meta := map[string]string{
		"lines": strconv.Itoa(strings.Count(text, "\n") + 1),
	}
	if found := DetectSensitive(text); len(found) > 0 {
		meta["sensitive"] = strings.Join(found, ",")
	}
	return meta
}
