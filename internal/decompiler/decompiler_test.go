package decompiler

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/binsight/binsight-ai/internal/models"
)

func TestDetectFormat(t *testing.T) {
	pe := make([]byte, 0x80)
	pe[0], pe[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(pe[0x3C:], 0x40)
	copy(pe[0x40:], []byte{'P', 'E', 0, 0})

	peNoHeader := make([]byte, 0x80)
	peNoHeader[0], peNoHeader[1] = 'M', 'Z'

	fatMachO := []byte{0xCA, 0xFE, 0xBA, 0xBE, 0x00, 0x00, 0x00, 0x02}
	javaClass := []byte{0xCA, 0xFE, 0xBA, 0xBE, 0x00, 0x00, 0x00, 0x41} // minor 0, major 65

	tests := []struct {
		name       string
		data       []byte
		wantFormat models.FileFormat
		accepted   bool
	}{
		{"elf", []byte{0x7f, 'E', 'L', 'F', 2, 1, 1}, models.FormatELF, true},
		{"pe with header", pe, models.FormatPE, true},
		{"pe dos only", peNoHeader, models.FormatPE, true},
		{"dex", []byte("dex\n035\x00"), models.FormatDEX, true},
		{"wasm", []byte{0x00, 'a', 's', 'm', 1, 0, 0, 0}, models.FormatWASM, true},
		{"macho 64", []byte{0xCF, 0xFA, 0xED, 0xFE, 0, 0, 0, 0}, models.FormatMachO, true},
		{"fat macho", fatMachO, models.FormatMachO, true},
		{"java class", javaClass, models.FormatJava, true},
		{"raw", []byte("just some text data"), models.FormatRaw, false},
		{"tiny", []byte{1, 2}, models.FormatRaw, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			format, confidence := DetectFormat(tt.data)
			assert.Equal(t, tt.wantFormat, format)
			if tt.accepted {
				assert.GreaterOrEqual(t, confidence, MinFormatConfidence)
			} else {
				assert.Less(t, confidence, MinFormatConfidence)
			}
		})
	}
}

// writeStubEngine writes a script that ignores its arguments and emits the
// given stdout.
func writeStubEngine(t *testing.T, stdout string, exitCode int) string {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "engine.sh")
	body := "#!/bin/sh\n"
	if stdout != "" {
		body += "cat <<'EOF'\n" + stdout + "\nEOF\n"
	}
	if exitCode != 0 {
		body += "echo 'engine: unsupported architecture' >&2\n"
	}
	body += "exit " + strconv.Itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

func writeBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.bin")
	data := append([]byte{0x7f, 'E', 'L', 'F'}, make([]byte, 60)...)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

const stubDump = `{
  "file_info": {"filename": "sample.bin", "architecture": "x86_64", "entrypoint": "401000"},
  "functions": [
    {"name": "main", "address": "0X401000", "size": 100, "decompiled_code": "int main() {}"},
    {"name": "helper", "address": "401200", "size": 50, "decompiled_code": "void helper() {}"}
  ],
  "imports": [{"library": "libc.so.6", "symbol": "printf", "address": "0x403000"}],
  "strings": [{"value": "hello", "address": "404000"}, {"value": "world"}]
}`

func TestCheckTranslatable(t *testing.T) {
	_, err := CheckTranslatable([]byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	assert.NoError(t, err)

	// Unrecognized binary content passes as raw.
	_, err = CheckTranslatable([]byte{0x01, 0x02, 0x00, 0xff, 0xfe, 0x00})
	assert.NoError(t, err)

	format, err := CheckTranslatable([]byte(strings.Repeat("just some prose\n", 8)))
	require.Error(t, err)
	assert.Equal(t, models.KindUnprocessable, models.KindOf(err))
	assert.Equal(t, models.FormatRaw, format)
}

func TestDecompile(t *testing.T) {
	engine, err := New(Config{Command: writeStubEngine(t, stubDump, 0)}, zap.NewNop())
	require.NoError(t, err)

	set, err := engine.Decompile(context.Background(), writeBinary(t), models.DefaultAnalysisConfig())
	require.NoError(t, err)

	assert.Equal(t, models.FormatELF, set.FileInfo.Format)
	assert.True(t, strings.HasPrefix(set.FileInfo.FileHash, "sha256:"))
	assert.Len(t, set.FileInfo.FileHash, len("sha256:")+64)
	assert.Equal(t, int64(64), set.FileInfo.SizeBytes)
	assert.Empty(t, set.FileInfo.Warnings)

	// Addresses are canonicalized to lowercase 0x-prefixed hex.
	assert.Equal(t, "0x401000", set.Functions[0].Address)
	assert.Equal(t, "0x401200", set.Functions[1].Address)
	assert.Equal(t, "0x404000", set.Strings[0].Address)
	assert.Empty(t, set.Strings[1].Address)
	assert.Equal(t, "0x401000", set.FileInfo.Entrypoint)
}

func TestDecompileLowConfidenceWarning(t *testing.T) {
	engine, err := New(Config{Command: writeStubEngine(t, stubDump, 0)}, zap.NewNop())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(path, []byte("no magic here at all"), 0o644))

	set, err := engine.Decompile(context.Background(), path, models.DefaultAnalysisConfig())
	require.NoError(t, err)
	assert.Equal(t, models.FormatRaw, set.FileInfo.Format)
	require.Len(t, set.FileInfo.Warnings, 1)
	assert.Contains(t, set.FileInfo.Warnings[0], "low-confidence")
}

func TestDecompileCaps(t *testing.T) {
	engine, err := New(Config{Command: writeStubEngine(t, stubDump, 0)}, zap.NewNop())
	require.NoError(t, err)

	cfg := models.DefaultAnalysisConfig()
	cfg.MaxFunctions = 1
	cfg.ExtractStrings = false

	set, err := engine.Decompile(context.Background(), writeBinary(t), cfg)
	require.NoError(t, err)
	assert.Len(t, set.Functions, 1)
	assert.Empty(t, set.Strings)
	assert.Len(t, set.Imports, 1)
}

func TestDecompileEngineFailure(t *testing.T) {
	engine, err := New(Config{Command: writeStubEngine(t, "", 1)}, zap.NewNop())
	require.NoError(t, err)

	_, err = engine.Decompile(context.Background(), writeBinary(t), models.DefaultAnalysisConfig())
	require.Error(t, err)
	assert.Equal(t, models.KindUnprocessable, models.KindOf(err))
	assert.Contains(t, err.Error(), "unsupported architecture")
}

func TestDecompileMalformedDump(t *testing.T) {
	engine, err := New(Config{Command: writeStubEngine(t, "not json", 0)}, zap.NewNop())
	require.NoError(t, err)

	_, err = engine.Decompile(context.Background(), writeBinary(t), models.DefaultAnalysisConfig())
	require.Error(t, err)
	assert.Equal(t, models.KindUnprocessable, models.KindOf(err))
}

func TestDecompileMissingFile(t *testing.T) {
	engine, err := New(Config{Command: "true"}, zap.NewNop())
	require.NoError(t, err)

	_, err = engine.Decompile(context.Background(), "/does/not/exist", models.DefaultAnalysisConfig())
	require.Error(t, err)
	assert.Equal(t, models.KindUnprocessable, models.KindOf(err))
}

func TestDecompileTimeout(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "slow.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 5\n"), 0o755))

	engine, err := New(Config{Command: script, Timeout: 50 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	_, err = engine.Decompile(context.Background(), writeBinary(t), models.DefaultAnalysisConfig())
	require.Error(t, err)
	assert.Equal(t, models.KindTimeout, models.KindOf(err))
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{}, zap.NewNop())
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}
