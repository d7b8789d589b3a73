package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// SetQRTools registers QR code generation. Images are written as PNG
// files under dir.
func (r *Registry) SetQRTools(dir string) {
	r.Register(&Capability{
		Name:        "generate_qr_code",
		Description: "Generate a QR code image from text or a URL. Returns the path of the saved PNG file.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{
					"type":        "string",
					"description": "The text or URL to encode",
				},
				"size": map[string]any{
					"type":        "integer",
					"description": "Image size in pixels (default 256)",
				},
			},
			"required": []string{"content"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return handleGenerateQR(dir, args)
		},
	})
}

func handleGenerateQR(dir string, args map[string]any) (string, error) {
	content, err := stringArg(args, "content")
	if err != nil {
		return "", err
	}
	size := optIntArg(args, "size", 256)
	if size > 2048 {
		size = 2048
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("qr-%d.png", time.Now().UnixMilli()))

	if err := qrcode.WriteFile(content, qrcode.Medium, size, path); err != nil {
		return "", fmt.Errorf("generate qr code: %w", err)
	}
	return fmt.Sprintf("QR code saved to %s", path), nil
}
