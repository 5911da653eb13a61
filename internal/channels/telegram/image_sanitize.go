package telegram

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// imageMaxSide caps the longest image dimension sent to the model.
const imageMaxSide = 1200

// imageMaxBytes caps the encoded size of a sanitized image.
const imageMaxBytes = 5 << 20

// sanitizeImage normalizes a downloaded photo for vision input: apply
// EXIF orientation, shrink to fit imageMaxSide, then re-encode as JPEG
// at stepwise lower quality until it fits imageMaxBytes. Returns the
// path of the re-encoded file.
func sanitizeImage(inputPath string) (string, error) {
	img, err := imaging.Open(inputPath, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	if b := img.Bounds(); b.Dx() > imageMaxSide || b.Dy() > imageMaxSide {
		img = imaging.Fit(img, imageMaxSide, imageMaxSide, imaging.Lanczos)
	}

	var buf bytes.Buffer
	for quality := 85; quality >= 35; quality -= 10 {
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", fmt.Errorf("encode jpeg q%d: %w", quality, err)
		}
		if buf.Len() <= imageMaxBytes {
			outPath := filepath.Join(os.TempDir(), fmt.Sprintf("maxd_img_%d.jpg", os.Getpid()))
			if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
				return "", fmt.Errorf("write sanitized image: %w", err)
			}
			return outPath, nil
		}
	}
	b := img.Bounds()
	return "", fmt.Errorf("image %dx%d still over %d bytes at minimum quality", b.Dx(), b.Dy(), imageMaxBytes)
}
