package uploadsvc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // registers the GIF decoder with image.Decode
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mkrupp/imgqueue/internal/domain"
)

// jpegQuality matches the original image_processor.c's fixed stbi_write_jpg quality.
const jpegQuality = 90

// minDimension, maxDimension bound decoded image width and height.
const (
	minDimension = 1
	maxDimension = 10000
)

// ErrUnsupportedFormat is returned by Decode when the input isn't one of the
// registered codecs (JPEG, PNG, GIF).
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Decode reads an image from r into an interleaved byte buffer: channels is
// 1 for grayscale; 3 for YCbCr (JPEG), for paletted images whose palette is
// fully opaque, and for any type not listed here; 4 for paletted images with
// a non-opaque palette entry and for every RGBA/NRGBA image type, which
// includes truecolor PNGs that carry no alpha channel.
// Dimensions are validated against [1,10000] and channels against [1,4],
// matching the original stb_image contract this system replaces.
func Decode(r io.Reader) (pix []uint8, width, height, channels int, err error) {
	img, _, err := image.Decode(r)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, 0, 0, 0, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
		}

		return nil, 0, 0, 0, fmt.Errorf("%w: decode: %w", domain.ErrProcessingFailure, err)
	}

	bounds := img.Bounds()
	width, height = bounds.Dx(), bounds.Dy()

	if width < minDimension || width > maxDimension || height < minDimension || height > maxDimension {
		return nil, 0, 0, 0, fmt.Errorf("%w: dimensions %dx%d out of range",
			domain.ErrProcessingFailure, width, height)
	}

	channels = pixelChannels(img)
	if channels < 1 || channels > 4 {
		return nil, 0, 0, 0, fmt.Errorf("%w: %d channels out of range", domain.ErrProcessingFailure, channels)
	}

	return extractPixels(img, channels), width, height, channels, nil
}

// DecodeFile opens path and decodes it via Decode.
func DecodeFile(path string) (pix []uint8, width, height, channels int, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, 0, fmt.Errorf("%w: open %s: %w", domain.ErrProcessingFailure, path, err)
	}
	defer file.Close()

	return Decode(file)
}

func pixelChannels(img image.Image) int {
	switch im := img.(type) {
	case *image.Gray, *image.Gray16:
		return 1
	case *image.Paletted:
		for _, c := range im.Palette {
			_, _, _, a := c.RGBA()
			if a != 0xffff {
				return 4
			}
		}

		return 3
	case *image.YCbCr:
		return 3
	case *image.NRGBA, *image.RGBA, *image.NRGBA64, *image.RGBA64:
		return 4
	default:
		return 3
	}
}

func extractPixels(img image.Image, channels int) []uint8 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	pix := make([]uint8, width*height*channels)

	idx := 0

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()

			switch channels {
			case 1:
				gray := color.GrayModel.Convert(img.At(x, y)).(color.Gray) //nolint:forcetypeassert
				pix[idx] = gray.Y
				idx++
			case 4:
				pix[idx] = uint8(r >> 8)
				pix[idx+1] = uint8(g >> 8)
				pix[idx+2] = uint8(b >> 8)
				pix[idx+3] = uint8(a >> 8)
				idx += 4
			default:
				pix[idx] = uint8(r >> 8)
				pix[idx+1] = uint8(g >> 8)
				pix[idx+2] = uint8(b >> 8)
				idx += 3
			}
		}
	}

	return pix
}

// Histogram computes the luminance histogram over pix: for channels >= 3,
// luminance is trunc(0.299R + 0.587G + 0.114B); for grayscale, the single
// channel value is used directly. Matches calculate_histogram in the
// original image_processor.c.
func Histogram(pix []uint8, width, height, channels int) [256]int {
	var hist [256]int

	n := width * height
	for i := range n {
		idx := i * channels

		var y int
		if channels >= 3 {
			r, g, b := float64(pix[idx]), float64(pix[idx+1]), float64(pix[idx+2])
			y = roundToInt(0.299*r + 0.587*g + 0.114*b)
		} else {
			y = int(pix[idx])
		}

		hist[clampByte(y)]++
	}

	return hist
}

// EqualizationLUT builds the 256-entry lookup table from hist: LUT[i] =
// trunc(cdf[i] * 255 / N), where cdf is the cumulative histogram and N is
// the pixel count.
func EqualizationLUT(hist [256]int, totalPixels int) [256]uint8 {
	var lut [256]uint8

	cumulative := 0

	for i := range 256 {
		cumulative += hist[i]
		if totalPixels > 0 {
			lut[i] = uint8(clampByte(roundToInt(float64(cumulative) * 255 / float64(totalPixels))))
		}
	}

	return lut
}

// Equalize applies histogram equalization to pix in place and returns the
// lookup table used, so callers and tests can inspect it. For channels >= 3,
// R, G, B are remapped independently and a 4th (alpha) channel is left
// untouched; for grayscale, the single channel is remapped.
func Equalize(pix []uint8, width, height, channels int) [256]uint8 {
	hist := Histogram(pix, width, height, channels)
	lut := EqualizationLUT(hist, width*height)

	n := width * height
	for i := range n {
		idx := i * channels
		if channels >= 3 {
			pix[idx] = lut[pix[idx]]
			pix[idx+1] = lut[pix[idx+1]]
			pix[idx+2] = lut[pix[idx+2]]
		} else {
			pix[idx] = lut[pix[idx]]
		}
	}

	return lut
}

// classificationMargin is the minimum strict margin (spec: "strictly more
// than 20") a channel mean must hold over both others to be predominant.
const classificationMargin = 20

// ClassifyDominantColor computes the per-channel means and returns the
// predominant color: the argmax channel, but only if it exceeds both other
// means by strictly more than classificationMargin. Grayscale images (fewer
// than 3 channels) are always undefined. Must be called on the original
// pixel data, before Equalize.
func ClassifyDominantColor(pix []uint8, width, height, channels int) domain.Color {
	if channels < 3 {
		return domain.ColorUndefined
	}

	var redSum, greenSum, blueSum int64

	n := width * height
	for i := range n {
		idx := i * channels
		redSum += int64(pix[idx])
		greenSum += int64(pix[idx+1])
		blueSum += int64(pix[idx+2])
	}

	total := float64(n)
	redMean := float64(redSum) / total
	greenMean := float64(greenSum) / total
	blueMean := float64(blueSum) / total

	switch {
	case redMean > greenMean+classificationMargin && redMean > blueMean+classificationMargin:
		return domain.ColorRed
	case greenMean > redMean+classificationMargin && greenMean > blueMean+classificationMargin:
		return domain.ColorGreen
	case blueMean > redMean+classificationMargin && blueMean > greenMean+classificationMargin:
		return domain.ColorBlue
	default:
		return domain.ColorUndefined
	}
}

// Encode builds an image.Image from pix and encodes it per ext: ".png" (any
// case) selects PNG, anything else selects JPEG at jpegQuality, matching the
// original's save_result branch in process_image_complete.
func Encode(pix []uint8, width, height, channels int, ext string) ([]byte, error) {
	img, err := buildImage(pix, width, height, channels)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer

	if strings.EqualFold(ext, ".png") {
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("%w: encode png: %w", domain.ErrProcessingFailure, err)
		}

		return buf.Bytes(), nil
	}

	//nolint:exhaustruct
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("%w: encode jpeg: %w", domain.ErrProcessingFailure, err)
	}

	return buf.Bytes(), nil
}

func buildImage(pix []uint8, width, height, channels int) (image.Image, error) {
	rect := image.Rect(0, 0, width, height)

	switch channels {
	case 1:
		img := image.NewGray(rect)
		copy(img.Pix, pix)

		return img, nil
	case 4:
		img := image.NewNRGBA(rect)
		copy(img.Pix, pix)

		return img, nil
	case 3:
		img := image.NewRGBA(rect)

		n := width * height
		for i := range n {
			src := i * 3
			img.Set(i%width, i/width, color.RGBA{
				R: pix[src],
				G: pix[src+1],
				B: pix[src+2],
				A: 0xff,
			})
		}

		return img, nil
	default:
		return nil, fmt.Errorf("%w: %d channels", domain.ErrProcessingFailure, channels)
	}
}

// OutputFilename builds "<stem>_<suffix><ext>" from original, falling back
// to "<original>_<suffix>.jpg" when original carries no extension. Matches
// generate_processed_filename in the original image_processor.c.
func OutputFilename(original, suffix string) string {
	ext := filepath.Ext(original)
	if ext == "" {
		return fmt.Sprintf("%s_%s.jpg", original, suffix)
	}

	stem := strings.TrimSuffix(original, ext)

	return fmt.Sprintf("%s_%s%s", stem, suffix, ext)
}

// roundToInt truncates toward zero rather than rounding half-up: matches
// the original image_processor.c's plain "(int)(...)" casts, which is also
// the only convention that reproduces the worked gradient example (LUT
// 31,63,95,... rather than 32,64,96,... for N=8).
func roundToInt(f float64) int {
	return int(f)
}

func clampByte(v int) int {
	if v < 0 {
		return 0
	}

	if v > 255 {
		return 255
	}

	return v
}
