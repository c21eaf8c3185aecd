//go:build property
// +build property

package evidence

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/edforman-75/bentham-sub003/pkg/contracts"
)

// TestContentHashDeterminism checks the combined hash is a function of
// bundle content: equal inputs hash equal, and a changed part changes it.
func TestContentHashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	capture := func(text, html string, shot []byte) *Bundle {
		b, err := NewCapturer(nil).Capture(context.Background(), CaptureRequest{
			Level: LevelFull,
			Job:   contracts.Job{ID: "j", StudyID: "s", SurfaceID: "x", LocationID: "l", QueryText: "q"},
			Response: &contracts.QueryResponse{
				ResponseText: text,
				HTML:         html,
				Screenshot:   shot,
			},
		})
		if err != nil {
			t.Fatalf("capture: %v", err)
		}
		return b
	}

	properties.Property("identical input yields identical hash", prop.ForAll(
		func(text, html string, shot []byte) bool {
			return capture(text, html, shot).ContentHash == capture(text, html, append([]byte(nil), shot...)).ContentHash
		},
		gen.AnyString(), gen.AnyString(), gen.SliceOf(gen.UInt8()),
	))

	properties.Property("changed html changes the hash", prop.ForAll(
		func(text, html, suffix string, shot []byte) bool {
			if suffix == "" {
				return true
			}
			return capture(text, html, shot).ContentHash != capture(text, html+suffix, shot).ContentHash
		},
		gen.AnyString(), gen.AnyString(), gen.AlphaString(), gen.SliceOf(gen.UInt8()),
	))

	properties.Property("changed response text changes the hash", prop.ForAll(
		func(text, suffix, html string) bool {
			if suffix == "" {
				return true
			}
			return capture(text, html, nil).ContentHash != capture(text+suffix, html, nil).ContentHash
		},
		gen.AnyString(), gen.AlphaString(), gen.AnyString(),
	))

	properties.TestingRun(t)
}
