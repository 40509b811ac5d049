package ocr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func (e *Extractor) pdfPageText(ctx context.Context, path string, page int) (string, error) {
	p := strconv.Itoa(page)
	// pdftotext -f N -l N -layout -enc UTF-8 -eol unix <path> -
	out, errb, err := e.runner.Run(ctx, e.cfg.Pdftotext, "-f", p, "-l", p, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return "", fmt.Errorf("pdftotext: %w: %s", err, clip(string(errb), 512))
	}
	return strings.TrimRight(string(out), "\f"), nil
}

// RenderPage rasterizes one page to PNG. The caller must invoke cleanup.
func (e *Extractor) RenderPage(ctx context.Context, path string, page int) (string, func(), error) {
	tmpDir, err := os.MkdirTemp("", "takeoff-pp-*")
	if err != nil {
		return "", func() {}, err
	}
	cleanup := func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			e.logger.Warn("ocr.render.cleanup_failed", "dir", tmpDir, "error", err)
		}
	}

	p := strconv.Itoa(page)
	prefix := filepath.Join(tmpDir, "page")
	// pdftoppm -f N -l N -r 300 -png -singlefile <in.pdf> <tmp/page>
	_, errb, err := e.runner.Run(ctx, e.cfg.Pdftoppm, "-f", p, "-l", p, "-r", strconv.Itoa(e.cfg.DPI), "-png", "-singlefile", path, prefix)
	if err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("pdftoppm: %w: %s", err, clip(string(errb), 512))
	}
	img := prefix + ".png"
	if _, statErr := os.Stat(img); statErr != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("pdftoppm produced no image for page %d", page)
	}
	return img, cleanup, nil
}

func (e *Extractor) ocrPage(ctx context.Context, path string, page int) (string, error) {
	img, cleanup, err := e.RenderPage(ctx, path, page)
	if err != nil {
		return "", err
	}
	defer cleanup()
	return e.tesseractOCR(ctx, img)
}

func (e *Extractor) tesseractOCR(ctx context.Context, img string) (string, error) {
	// tesseract <file> stdout -l <lang>
	args := []string{img, "stdout", "-l", e.cfg.TesseractLang}
	if e.cfg.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(e.cfg.PSM))
	}
	if e.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", e.cfg.TessdataDir)
	}
	out, errb, err := e.runner.Run(ctx, e.cfg.Tesseract, args...)
	if err != nil {
		return "", fmt.Errorf("tesseract: %w: %s", err, clip(string(errb), 512))
	}
	return string(out), nil
}
