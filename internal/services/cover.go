package services

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"os"
	"path"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/google/uuid"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"

	"github.com/chaptercast/chaptercast-backend/internal/platform/apierr"
	"github.com/chaptercast/chaptercast-backend/internal/platform/logger"
	"github.com/chaptercast/chaptercast-backend/internal/storage"
)

const (
	coverWidth  = 1280
	coverHeight = 720
	thumbWidth  = 320
)

// coverPalette is indexed by a hash of the project id, so the same project
// always renders on the same background.
var coverPalette = []color.NRGBA{
	{R: 0x2D, G: 0x3E, B: 0x50, A: 0xFF},
	{R: 0x8E, G: 0x44, B: 0xAD, A: 0xFF},
	{R: 0x16, G: 0x85, B: 0x8D, A: 0xFF},
	{R: 0xC0, G: 0x5C, B: 0x3B, A: 0xFF},
	{R: 0x2E, G: 0x86, B: 0x5C, A: 0xFF},
	{R: 0x88, G: 0x3A, B: 0x4E, A: 0xFF},
	{R: 0x3A, G: 0x5F, B: 0x8F, A: 0xFF},
	{R: 0x6D, G: 0x4C, B: 0x41, A: 0xFF},
}

// CoverService renders project title cards and downscaled thumbnails.
// Rendering is deterministic per project; uploads go through the active
// object store snapshot.
type CoverService interface {
	// RenderProjectCover draws the 1280x720 card and uploads it under an
	// images/ key, which it returns.
	RenderProjectCover(ctx context.Context, userID, projectID uuid.UUID, title string) (string, error)
	// UploadThumbnail stores a 320-wide downscale of raw next to key as
	// <key>_thumb.<ext>. Returns the thumbnail key.
	UploadThumbnail(ctx context.Context, key string, raw []byte) (string, error)
}

type coverService struct {
	log       *logger.Logger
	cell      *storage.ConfigCell
	titleFace font.Face
	smallFace font.Face
}

func NewCoverService(cell *storage.ConfigCell, fontFile string, baseLog *logger.Logger) CoverService {
	s := &coverService{
		log:  baseLog.With("service", "CoverService"),
		cell: cell,
	}
	if strings.TrimSpace(fontFile) != "" {
		title, errT := loadFontFace(fontFile, 160)
		small, errS := loadFontFace(fontFile, 48)
		if errT != nil || errS != nil {
			s.log.Warn("cover font unavailable, rendering without text", "font", fontFile, "error", firstErr(errT, errS))
		} else {
			s.titleFace = title
			s.smallFace = small
		}
	}
	return s
}

func (s *coverService) RenderProjectCover(ctx context.Context, userID, projectID uuid.UUID, title string) (string, error) {
	if userID == uuid.Nil || projectID == uuid.Nil {
		return "", apierr.Validation("cover.render", "user_id and project_id required")
	}
	buf, err := s.renderCard(projectID, title)
	if err != nil {
		return "", err
	}
	store, _ := s.cell.Current()
	key := storage.BuildKey(storage.PurposeImage, userID, "png")
	if err := store.PutBytes(ctx, key, buf.Bytes(), "image/png"); err != nil {
		return "", err
	}
	return key, nil
}

func (s *coverService) renderCard(projectID uuid.UUID, title string) (*bytes.Buffer, error) {
	dc := gg.NewContext(coverWidth, coverHeight)

	base := paletteFor(projectID)
	dc.SetColor(base)
	dc.DrawRectangle(0, 0, coverWidth, coverHeight)
	dc.Fill()

	// Darkened footer band carries the full title.
	dc.SetRGBA(0, 0, 0, 0.35)
	dc.DrawRectangle(0, coverHeight-120, coverWidth, 120)
	dc.Fill()

	if s.titleFace != nil {
		initial := titleInitial(title)
		dc.SetFontFace(s.titleFace)
		tw, th := dc.MeasureString(initial)
		dc.SetColor(color.White)
		dc.DrawString(initial, coverWidth/2-(tw/2), (coverHeight-120)/2+(th/2)-10)

		dc.SetFontFace(s.smallFace)
		line := truncateTitle(title, 40)
		lw, lh := dc.MeasureString(line)
		if lw > coverWidth-80 {
			line = truncateTitle(title, 30)
			lw, lh = dc.MeasureString(line)
		}
		dc.DrawString(line, coverWidth/2-(lw/2), coverHeight-60+(lh/2)-6)
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, apierr.Internal("cover.render", fmt.Errorf("encode png: %w", err))
	}
	return &buf, nil
}

func (s *coverService) UploadThumbnail(ctx context.Context, key string, raw []byte) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", apierr.Validation("cover.thumbnail", "unsupported image data")
	}

	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return "", apierr.Validation("cover.thumbnail", "empty image")
	}
	h := b.Dy() * thumbWidth / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, thumbWidth, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)

	dc := gg.NewContextForRGBA(dst)
	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return "", apierr.Internal("cover.thumbnail", fmt.Errorf("encode png: %w", err))
	}

	thumbKey := ThumbKeyFor(key)
	store, _ := s.cell.Current()
	if err := store.PutBytes(ctx, thumbKey, buf.Bytes(), "image/png"); err != nil {
		return "", err
	}
	return thumbKey, nil
}

// ThumbKeyFor derives the sibling thumbnail key: images/u/d/x.png becomes
// images/u/d/x_thumb.png. Thumbnails are always encoded as PNG.
func ThumbKeyFor(key string) string {
	ext := path.Ext(key)
	base := strings.TrimSuffix(key, ext)
	return base + "_thumb.png"
}

func paletteFor(id uuid.UUID) color.NRGBA {
	h := fnv.New32a()
	h.Write(id[:])
	return coverPalette[int(h.Sum32())%len(coverPalette)]
}

func titleInitial(title string) string {
	for _, r := range strings.TrimSpace(title) {
		return strings.ToUpper(string(r))
	}
	return "?"
}

func truncateTitle(title string, max int) string {
	runes := []rune(strings.TrimSpace(title))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max]) + "…"
}

func loadFontFace(fontPath string, size float64) (font.Face, error) {
	fontBytes, err := os.ReadFile(fontPath)
	if err != nil {
		return nil, fmt.Errorf("read font file: %w", err)
	}
	parsedFont, err := truetype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("parse ttf: %w", err)
	}
	return truetype.NewFace(parsedFont, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingNone,
	}), nil
}

func firstErr(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}
