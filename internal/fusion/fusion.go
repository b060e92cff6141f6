// Package fusion combines the per-detector results for one frame into a
// single Observation.
package fusion

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/banshee-data/campus.safety/internal/detector"
)

// NoneLabel is the fused label of a frame with no qualifying hazard or
// scene result.
const NoneLabel = "none"

// Thresholds holds the minimum confidence per detector kind. A result
// scoring exactly the minimum qualifies.
type Thresholds struct {
	Face   float64
	Scene  float64
	Hazard float64
}

// Validate rejects thresholds outside [0,1].
func (t Thresholds) Validate() error {
	for _, k := range detector.Kinds {
		if v := t.For(k); v < 0 || v > 1 {
			return fmt.Errorf("%s threshold must be between 0 and 1, got %f", k, v)
		}
	}
	return nil
}

// For returns the threshold for kind.
func (t Thresholds) For(kind detector.Kind) float64 {
	switch kind {
	case detector.Face:
		return t.Face
	case detector.Scene:
		return t.Scene
	case detector.Hazard:
		return t.Hazard
	default:
		return 1
	}
}

// Observation is the fused view of one frame. It is built once and
// never changed after it leaves the sequencer.
type Observation struct {
	FrameID   uint64            `json:"frame_id"`
	Timestamp time.Time         `json:"timestamp"`
	Results   []detector.Result `json:"results"`

	FusedLabel      string  `json:"fused_label"`
	FusedConfidence float64 `json:"fused_confidence"`

	HazardLabel   string `json:"hazard_label"`
	SceneLabel    string `json:"scene_label"`
	SceneCategory string `json:"scene_category"`
	FacePresent   bool   `json:"face_present"`
	FaceCount     int    `json:"face_count"`

	// KnownFaces names the gallery identities recognised in the frame.
	KnownFaces []string `json:"known_faces,omitempty"`

	// Brightness and DominantColors describe the raw frame and are
	// filled in before the frame is released.
	Brightness     float64  `json:"brightness"`
	DominantColors []string `json:"dominant_colors,omitempty"`

	// Missing lists the detectors dispatched for this frame that did
	// not report before fusion.
	Missing []detector.Kind `json:"missing,omitempty"`
}

// Promotable reports whether the observation carries a label.
func (o Observation) Promotable() bool {
	return o.FusedLabel != NoneLabel
}

// Fuse builds the Observation for frameID from results. It never fails:
// with no qualifying results the fused label is NoneLabel with
// confidence 0. The output does not depend on the order of results.
func Fuse(frameID uint64, ts time.Time, results []detector.Result, th Thresholds) Observation {
	sorted := append([]detector.Result(nil), results...)
	sortResults(sorted)

	obs := Observation{
		FrameID:     frameID,
		Timestamp:   ts,
		Results:     sorted,
		FusedLabel:  NoneLabel,
		HazardLabel: NoneLabel,
		SceneLabel:  NoneLabel,
	}

	hazard, hazardOK := best(sorted, detector.Hazard, th.Hazard)
	scene, sceneOK := best(sorted, detector.Scene, th.Scene)

	if hazardOK {
		obs.HazardLabel = hazard.Label
	}
	if sceneOK {
		obs.SceneLabel = scene.Label
	}
	obs.SceneCategory = Categorize(qualifying(sorted, detector.Scene, th.Scene))

	for _, r := range sorted {
		if r.Kind == detector.Face && r.Confidence >= th.Face {
			obs.FacePresent = true
			obs.FaceCount = max(obs.FaceCount, max(r.Count, 1))
			for _, id := range r.Identities {
				if !slices.Contains(obs.KnownFaces, id) {
					obs.KnownFaces = append(obs.KnownFaces, id)
				}
			}
		}
	}
	sort.Strings(obs.KnownFaces)

	switch {
	case hazardOK:
		obs.FusedLabel, obs.FusedConfidence = hazard.Label, hazard.Confidence
	case sceneOK:
		obs.FusedLabel, obs.FusedConfidence = scene.Label, scene.Confidence
	}
	return obs
}

// sortResults orders results by kind precedence (hazard first), then
// confidence descending, then label.
func sortResults(rs []detector.Result) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Kind != b.Kind {
			return a.Kind > b.Kind
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		return a.Count > b.Count
	})
}

// best returns the first qualifying result of kind in sorted order,
// which is the highest confidence with ties going to the smaller label.
func best(sorted []detector.Result, kind detector.Kind, threshold float64) (detector.Result, bool) {
	for _, r := range sorted {
		if r.Kind == kind && r.Confidence >= threshold {
			return r, true
		}
	}
	return detector.Result{}, false
}

func qualifying(sorted []detector.Result, kind detector.Kind, threshold float64) []string {
	var labels []string
	for _, r := range sorted {
		if r.Kind == kind && r.Confidence >= threshold {
			labels = append(labels, r.Label)
		}
	}
	return labels
}
