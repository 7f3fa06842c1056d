package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestLoggerInit(t *testing.T) {
	if err := Init(); err != nil {
		t.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() {
		if err := Sync(); err != nil {
			t.Errorf("failed to sync logger: %v", err)
		}
	}()

	if Get() == nil {
		t.Fatal("logger is nil after initialization")
	}
}

func TestLoggerWriter(t *testing.T) {
	Convey("Given a logger writing into a buffer", t, func() {
		var buf bytes.Buffer
		So(InitWithWriter(&buf), ShouldBeNil)
		ctx := context.Background()

		Convey("When logging with structured fields", func() {
			Get().Named("allocator").Info(ctx, "slot granted",
				Int64("submission_id", 7),
				Float64("score", 88.5),
				Bool("swept", true),
				Duration("window", time.Hour),
			)

			Convey("Then the record carries every field and the component", func() {
				out := buf.String()
				So(out, ShouldContainSubstring, "slot granted")
				So(out, ShouldContainSubstring, "component=allocator")
				So(out, ShouldContainSubstring, "submission_id=7")
				So(out, ShouldContainSubstring, "score=88.5")
				So(out, ShouldContainSubstring, "swept=true")
				So(out, ShouldContainSubstring, "source=")
			})
		})

		Convey("When debug is disabled", func() {
			SetLevel(slog.LevelInfo)
			Get().Debug(ctx, "hidden")

			Convey("Then nothing is written", func() {
				So(buf.String(), ShouldNotContainSubstring, "hidden")
			})
		})

		Convey("When using With to bind fields", func() {
			Get().With(String("request_id", "abc")).Error(ctx, "boom", Error(errors.New("bad")))

			Convey("Then bound fields appear on the record", func() {
				So(buf.String(), ShouldContainSubstring, "request_id=abc")
				So(buf.String(), ShouldContainSubstring, "error=bad")
			})
		})

		Convey("InitWithWriter rejects a nil writer", func() {
			So(InitWithWriter(nil), ShouldNotBeNil)
		})
	})
}

func TestSetLevelString(t *testing.T) {
	Convey("Given level strings", t, func() {
		for _, lvl := range []string{"debug", "info", "", "warn", "warning", "error", " INFO "} {
			So(SetLevelString(lvl), ShouldBeNil)
		}
		So(SetLevelString("verbose"), ShouldNotBeNil)
		So(SetLevelString("info"), ShouldBeNil)
	})
}
