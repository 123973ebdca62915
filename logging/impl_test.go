package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"go.viam.com/test"
)

// assertLogMatches checks one console line: the time column only by length, the caller only by
// filename, and any trailing fields by json equality.
func assertLogMatches(t *testing.T, actual *bytes.Buffer, expected string) {
	t.Helper()

	output, err := actual.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)

	actualParts := strings.Split(strings.TrimSuffix(output, "\n"), "\t")
	expectedParts := strings.Split(expected, "\t")
	test.That(t, len(actualParts), test.ShouldEqual, len(expectedParts))
	test.That(t, len(actualParts[0]), test.ShouldEqual, len(expectedParts[0]))
	// Level and logger name.
	test.That(t, actualParts[1], test.ShouldEqual, expectedParts[1])
	test.That(t, actualParts[2], test.ShouldEqual, expectedParts[2])

	actualFilename, actualLine, found := strings.Cut(actualParts[3], ":")
	test.That(t, found, test.ShouldBeTrue)
	expectedFilename, _, _ := strings.Cut(expectedParts[3], ":")
	test.That(t, actualFilename, test.ShouldEqual, expectedFilename)
	_, err = strconv.Atoi(actualLine)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, actualParts[4], test.ShouldEqual, expectedParts[4])
	if len(actualParts) == 5 {
		return
	}

	expectedMap := map[string]any{}
	test.That(t, json.Unmarshal([]byte(expectedParts[5]), &expectedMap), test.ShouldBeNil)
	actualMap := map[string]any{}
	test.That(t, json.Unmarshal([]byte(actualParts[5]), &actualMap), test.ShouldBeNil)
	test.That(t, actualMap, test.ShouldResemble, expectedMap)
}

const exampleTime = "2023-10-30T09:12:09.459Z"

func TestConsoleOutputFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewBlankLogger("calib")
	logger.AddAppender(NewWriterAppender(&buf))

	logger.Info("converged")
	assertLogMatches(t, &buf, exampleTime+"\tINFO\tcalib\tlogging/impl_test.go:57\tconverged")

	logger.Debugf("iter %d rms %.2f", 3, 0.25)
	assertLogMatches(t, &buf, exampleTime+"\tDEBUG\tcalib\tlogging/impl_test.go:60\titer 3 rms 0.25")

	logger.Warnw("sample rejected", "name", "left_00003.jpg", "found", false)
	assertLogMatches(t, &buf,
		exampleTime+"\tWARN\tcalib\tlogging/impl_test.go:63\tsample rejected\t"+
			`{"name":"left_00003.jpg","found":false}`)

	// An unpaired key is kept and flagged.
	logger.Errorw("odd", "dangling")
	assertLogMatches(t, &buf,
		exampleTime+"\tERROR\tcalib\tlogging/impl_test.go:69\todd\t"+`{"dangling":"unpaired log key"}`)
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewBlankLogger("video")
	logger.AddAppender(NewWriterAppender(&buf))
	logger.SetLevel(WARN)
	test.That(t, logger.GetLevel(), test.ShouldEqual, WARN)

	logger.Debug("dropped")
	logger.Info("dropped")
	test.That(t, buf.Len(), test.ShouldEqual, 0)

	logger.Error("kept")
	assertLogMatches(t, &buf, exampleTime+"\tERROR\tvideo\tlogging/impl_test.go:84\tkept")
}

func TestSublogger(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	sub := logger.Sublogger("stereo").Sublogger("left")
	sub.Infow("frame", "seq", 7)

	entries := observed.All()
	test.That(t, entries, test.ShouldHaveLength, 1)
	test.That(t, entries[0].LoggerName, test.ShouldEqual, "stereo.left")
	test.That(t, entries[0].Message, test.ShouldEqual, "frame")
	test.That(t, entries[0].ContextMap()["seq"], test.ShouldEqual, int64(7))

	// The sublogger level is independent of its parent.
	sub.SetLevel(ERROR)
	sub.Info("hidden")
	logger.Info("visible")
	test.That(t, observed.FilterMessage("hidden").Len(), test.ShouldEqual, 0)
	test.That(t, observed.FilterMessage("visible").Len(), test.ShouldEqual, 1)
}

func TestLevelFromString(t *testing.T) {
	for _, tc := range []struct {
		input    string
		expected Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"Warning", WARN},
		{"error", ERROR},
	} {
		t.Run(tc.input, func(t *testing.T) {
			level, err := LevelFromString(tc.input)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, level, test.ShouldEqual, tc.expected)
		})
	}

	_, err := LevelFromString("loud")
	test.That(t, err, test.ShouldBeError, `unknown log level: "loud"`)
}

func TestFileAppender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camcal.log")
	appender := NewFileAppender(path)
	logger := NewBlankLogger("cli")
	logger.AddAppender(appender)

	logger.Info("written")
	test.That(t, logger.Sync(), test.ShouldBeNil)
	test.That(t, appender.Close(), test.ShouldBeNil)

	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldContainSubstring, "\tINFO\tcli\t")
	test.That(t, string(data), test.ShouldContainSubstring, "written")
}

func TestAsZap(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	sub := logger.Sublogger("rectify")
	sub.SetLevel(INFO)

	zl := sub.AsZap()
	zl.Debugw("skipped")
	zl.With("w", 640).Infow("map built", "h", 480)

	entries := observed.All()
	test.That(t, entries, test.ShouldHaveLength, 1)
	test.That(t, entries[0].LoggerName, test.ShouldEqual, "rectify")
	test.That(t, entries[0].ContextMap(), test.ShouldResemble, map[string]interface{}{"w": int64(640), "h": int64(480)})
}

func TestGlobal(t *testing.T) {
	prev := Global()
	t.Cleanup(func() { ReplaceGlobal(prev) })

	logger := NewLogger("replaced")
	test.That(t, logger.GetLevel(), test.ShouldEqual, INFO)
	ReplaceGlobal(logger)
	test.That(t, Global(), test.ShouldEqual, logger)
}
