package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/orionhq/orion/internal/httpkit"
)

// maxPageText caps the extracted text returned to the worker. Pages
// beyond this are truncated, not rejected.
const maxPageText = 4000

const dictionaryBaseURL = "https://api.dictionaryapi.dev/api/v2/entries/en/"

// SetWebTools registers the capabilities that make outbound web
// requests: page fetching and dictionary lookups.
func (r *Registry) SetWebTools(client *http.Client) {
	if client == nil {
		client = httpkit.NewClient()
	}

	r.Register(&Capability{
		Name:        "fetch_webpage",
		Description: "Fetch a web page and return its readable text content. Use for looking up information on a specific URL the user mentions.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The http or https URL to fetch",
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return handleFetchWebpage(ctx, client, args)
		},
	})

	r.Register(&Capability{
		Name:        "define_word",
		Description: "Look up the dictionary definition of an English word. Returns part of speech and definitions.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"word": map[string]any{
					"type":        "string",
					"description": "The word to define",
				},
			},
			"required": []string{"word"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return handleDefineWord(ctx, client, args)
		},
	})
}

func handleFetchWebpage(ctx context.Context, client *http.Client, args map[string]any) (string, error) {
	rawURL, err := stringArg(args, "url")
	if err != nil {
		return "", err
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("invalid url: %s", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", u.Host, resp.StatusCode)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	text := extractText(doc)
	if len(text) > maxPageText {
		text = text[:maxPageText] + "\n[truncated]"
	}
	if strings.TrimSpace(text) == "" {
		return "(page contained no readable text)", nil
	}
	return text, nil
}

// extractText walks the parse tree collecting visible text, skipping
// script, style, and other non-content elements.
func extractText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "head", "iframe":
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				sb.WriteString(t)
				sb.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// dictionaryEntry mirrors the dictionaryapi.dev response shape.
type dictionaryEntry struct {
	Word     string `json:"word"`
	Meanings []struct {
		PartOfSpeech string `json:"partOfSpeech"`
		Definitions  []struct {
			Definition string `json:"definition"`
			Example    string `json:"example"`
		} `json:"definitions"`
	} `json:"meanings"`
}

func handleDefineWord(ctx context.Context, client *http.Client, args map[string]any) (string, error) {
	word, err := stringArg(args, "word")
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		dictionaryBaseURL+url.PathEscape(strings.ToLower(word)), nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("dictionary lookup: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Sprintf("No definition found for %q.", word), nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("dictionary lookup: status %d", resp.StatusCode)
	}

	var entries []dictionaryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return "", fmt.Errorf("decode dictionary response: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Sprintf("No definition found for %q.", word), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s:\n", entries[0].Word)
	for _, m := range entries[0].Meanings {
		for i, d := range m.Definitions {
			if i >= 2 {
				break // two senses per part of speech is plenty
			}
			fmt.Fprintf(&sb, "- (%s) %s\n", m.PartOfSpeech, d.Definition)
			if d.Example != "" {
				fmt.Fprintf(&sb, "  e.g. %q\n", d.Example)
			}
		}
	}
	return sb.String(), nil
}
