package decompiler

import (
	"encoding/binary"

	"github.com/binsight/binsight-ai/internal/models"
)

// MinFormatConfidence is the acceptance threshold; detections below it carry
// a low-confidence warning instead of failing.
const MinFormatConfidence = 0.7

// DetectFormat identifies the container format of a binary from its magic
// bytes and returns a confidence score.
func DetectFormat(data []byte) (models.FileFormat, float64) {
	if len(data) < 4 {
		return models.FormatRaw, 0.5
	}

	switch {
	case data[0] == 0x7f && data[1] == 'E' && data[2] == 'L' && data[3] == 'F':
		return models.FormatELF, 0.99

	case data[0] == 'M' && data[1] == 'Z':
		// DOS header; confirm the PE signature at e_lfanew when readable.
		if off := peHeaderOffset(data); off > 0 {
			return models.FormatPE, 0.99
		}
		return models.FormatPE, 0.85

	case len(data) >= 8 && string(data[0:4]) == "dex\n":
		return models.FormatDEX, 0.99

	case data[0] == 0x00 && data[1] == 'a' && data[2] == 's' && data[3] == 'm':
		return models.FormatWASM, 0.99

	case isMachO(data):
		return models.FormatMachO, 0.95

	case data[0] == 0xCA && data[1] == 0xFE && data[2] == 0xBA && data[3] == 0xBE:
		// CAFEBABE is shared between Java class files and fat Mach-O
		// binaries; fat headers carry a small architecture count where class
		// files carry a bytecode version.
		if len(data) >= 8 {
			if n := binary.BigEndian.Uint32(data[4:8]); n > 0 && n < 30 {
				return models.FormatMachO, 0.9
			}
		}
		return models.FormatJava, 0.9

	default:
		return models.FormatRaw, 0.5
	}
}

// CheckTranslatable rejects content that is plainly not an executable, such
// as text files, at admission time. Unrecognized binary content still passes
// as raw; only unambiguous non-binaries fail.
func CheckTranslatable(data []byte) (models.FileFormat, error) {
	format, confidence := DetectFormat(data)
	if confidence >= MinFormatConfidence {
		return format, nil
	}
	if looksLikeText(data) {
		return format, models.NewError(models.KindUnprocessable,
			"unsupported file format: content appears to be plain text, not an executable")
	}
	return format, nil
}

// looksLikeText reports whether the sample is printable text. A single NUL
// byte disqualifies it; executables carry them within the first few hundred
// bytes.
func looksLikeText(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	sample := data
	if len(sample) > 512 {
		sample = sample[:512]
	}
	printable := 0
	for _, b := range sample {
		if b == 0 {
			return false
		}
		if b == '\n' || b == '\r' || b == '\t' || (b >= 0x20 && b < 0x7f) {
			printable++
		}
	}
	return float64(printable)/float64(len(sample)) > 0.95
}

func peHeaderOffset(data []byte) int {
	if len(data) < 0x40 {
		return 0
	}
	off := int(binary.LittleEndian.Uint32(data[0x3C:0x40]))
	if off <= 0 || off+4 > len(data) {
		return 0
	}
	if data[off] == 'P' && data[off+1] == 'E' && data[off+2] == 0 && data[off+3] == 0 {
		return off
	}
	return 0
}

func isMachO(data []byte) bool {
	magic := binary.LittleEndian.Uint32(data[0:4])
	switch magic {
	case 0xFEEDFACE, 0xFEEDFACF, 0xCEFAEDFE, 0xCFFAEDFE:
		return true
	}
	return false
}
