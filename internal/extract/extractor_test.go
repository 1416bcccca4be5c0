package extract

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickbridge/tickbridge/internal/archive"
	"github.com/tickbridge/tickbridge/internal/delta"
)

func newTestExtractor(t *testing.T, files map[string]string) *Extractor {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0o644))
	}
	reader, err := archive.NewReader(root, 4<<20)
	require.NoError(t, err)
	return New(reader, zerolog.Nop())
}

func TestKindOfFile(t *testing.T) {
	assert.Equal(t, KindTick, KindOfFile("ESU25.tick.csv"))
	assert.Equal(t, KindTick, KindOfFile("ESU25.Last.txt"))
	assert.Equal(t, KindDaily, KindOfFile("ESU25.daily.csv"))
	assert.Equal(t, KindDaily, KindOfFile("ESU25.DLY"))
	assert.Equal(t, KindOther, KindOfFile("ESU25.json"))
	assert.Equal(t, KindOther, KindOfFile("notes.txt"))
}

func TestExtractLastTickRecord(t *testing.T) {
	e := newTestExtractor(t, map[string]string{
		"ESU25.tick.csv": "2025-09-10T14:30:00.000000Z,6512.25,6512.00,6512.50,3,18234\n" +
			"2025-09-10T14:30:01.250000Z,6512.75,6512.50,6513.00,5,18239\n",
	})

	snap, err := e.Extract("ESU25", "ESU25.tick.csv")
	require.NoError(t, err)
	assert.Equal(t, "ESU25", snap.Symbol)
	assert.Equal(t, delta.SourceTickFile, snap.Source)
	require.NotNil(t, snap.Last)
	assert.Equal(t, 6512.75, *snap.Last)
	require.NotNil(t, snap.TotalVolume)
	assert.Equal(t, int64(18239), *snap.TotalVolume)
	assert.Equal(t, 250000000, snap.TS.Nanosecond())
}

func TestExtractSkipsPartialTrailingLine(t *testing.T) {
	// Writer caught mid-append: the last line has no newline and does not
	// decode. The previous complete record must win.
	e := newTestExtractor(t, map[string]string{
		"ESU25.tick.csv": "2025-09-10T14:30:00.000000Z,6512.25,6512.00,6512.50,3,18234\n" +
			"2025-09-10T14:30:01.25",
	})

	snap, err := e.Extract("ESU25", "ESU25.tick.csv")
	require.NoError(t, err)
	require.NotNil(t, snap.Last)
	assert.Equal(t, 6512.25, *snap.Last)
}

func TestExtractAcceptsCompleteUnterminatedLine(t *testing.T) {
	e := newTestExtractor(t, map[string]string{
		"ESU25.tick.csv": "2025-09-10T14:30:01.000000Z,6512.75,,,,",
	})

	snap, err := e.Extract("ESU25", "ESU25.tick.csv")
	require.NoError(t, err)
	require.NotNil(t, snap.Last)
	assert.Equal(t, 6512.75, *snap.Last)
	assert.Nil(t, snap.Bid)
	assert.Nil(t, snap.TotalVolume)
}

func TestExtractEmptyFileIsNoData(t *testing.T) {
	e := newTestExtractor(t, map[string]string{"ESU25.tick.csv": ""})

	_, err := e.Extract("ESU25", "ESU25.tick.csv")
	require.ErrorIs(t, err, ErrNoData)
}

func TestExtractWhitespaceOnlyIsNoData(t *testing.T) {
	e := newTestExtractor(t, map[string]string{"ESU25.tick.csv": "\n\n  \n"})

	_, err := e.Extract("ESU25", "ESU25.tick.csv")
	require.ErrorIs(t, err, ErrNoData)
}

func TestExtractCorruptRecordIsParseError(t *testing.T) {
	// Both trailing lines are garbage; this is corruption, not a
	// mid-write race.
	e := newTestExtractor(t, map[string]string{
		"ESU25.tick.csv": "garbage,line,one\nmore,garbage\n",
	})

	_, err := e.Extract("ESU25", "ESU25.tick.csv")
	require.ErrorIs(t, err, ErrParse)
}

func TestExtractUnknownKindIsNoData(t *testing.T) {
	e := newTestExtractor(t, map[string]string{"ESU25.json": "{}"})

	_, err := e.Extract("ESU25", "ESU25.json")
	require.ErrorIs(t, err, ErrNoData)
}

func TestExtractDailyBar(t *testing.T) {
	e := newTestExtractor(t, map[string]string{
		"ESU25.daily.csv": "2025-09-09,6490.00,6520.00,6485.50,6510.25,1200345\n" +
			"2025-09-10,6510.25,6530.00,6500.00,6512.25,987654\n",
	})

	snap, err := e.Extract("ESU25", "ESU25.daily.csv")
	require.NoError(t, err)
	assert.Equal(t, delta.SourceDailyFile, snap.Source)
	require.NotNil(t, snap.Last)
	assert.Equal(t, 6512.25, *snap.Last, "close surfaces as last")
	require.NotNil(t, snap.TotalVolume)
	assert.Equal(t, int64(987654), *snap.TotalVolume)
	assert.Nil(t, snap.Bid)
}

func TestExtractCRLFRecords(t *testing.T) {
	e := newTestExtractor(t, map[string]string{
		"ESU25.tick.csv": "2025-09-10T14:30:00.000000Z,6512.25,,,,\r\n" +
			"2025-09-10T14:30:01.000000Z,6513.00,,,,\r\n",
	})

	snap, err := e.Extract("ESU25", "ESU25.tick.csv")
	require.NoError(t, err)
	require.NotNil(t, snap.Last)
	assert.Equal(t, 6513.00, *snap.Last)
}

func TestExtractLargeFileReadsTailOnly(t *testing.T) {
	// Far more rows than the initial window holds; only the newest
	// record matters and extraction must still succeed.
	var sb strings.Builder
	for n := 0; n < 50000; n++ {
		sb.WriteString("2025-09-10T14:30:00.000000Z,6500.00,6499.75,6500.25,1,1000\n")
	}
	sb.WriteString("2025-09-10T15:00:00.000000Z,6555.50,6555.25,6555.75,2,99999\n")

	e := newTestExtractor(t, map[string]string{"ESU25.tick.csv": sb.String()})

	snap, err := e.Extract("ESU25", "ESU25.tick.csv")
	require.NoError(t, err)
	require.NotNil(t, snap.Last)
	assert.Equal(t, 6555.50, *snap.Last)
}
