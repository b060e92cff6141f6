package facematch

import (
	"context"
	"image"

	"github.com/banshee-data/campus.safety/internal/detector"
	"github.com/disintegration/imaging"
)

// Recognizer wraps a face backend and tags each face label with the
// gallery reference it matches. Faces that cannot be embedded are left
// untagged.
type Recognizer struct {
	inner    detector.Classifier
	embedder Embedder
	gallery  *Gallery
}

// NewRecognizer returns a Recognizer over inner.
func NewRecognizer(inner detector.Classifier, embedder Embedder, gallery *Gallery) *Recognizer {
	return &Recognizer{inner: inner, embedder: embedder, gallery: gallery}
}

func (r *Recognizer) Classify(ctx context.Context, in detector.Input) ([]detector.Label, error) {
	labels, err := r.inner.Classify(ctx, in)
	if err != nil || r.gallery.Len() == 0 || in.Image == nil {
		return labels, err
	}
	labels = append([]detector.Label(nil), labels...)
	for i := range labels {
		crop := faceCrop(in.Image, labels[i].Box)
		if crop == nil {
			continue
		}
		emb, err := r.embedder.Embed(ctx, crop)
		if err != nil {
			continue
		}
		if m, ok := r.gallery.Match(emb); ok {
			labels[i].Identity = m.Name
			labels[i].Similarity = m.Similarity
		}
	}
	return labels, nil
}

// faceCrop cuts box out of img. A nil box means the whole image; a box
// outside the image yields nil.
func faceCrop(img *image.NRGBA, box *image.Rectangle) image.Image {
	if box == nil {
		return img
	}
	r := box.Intersect(img.Bounds())
	if r.Empty() {
		return nil
	}
	return imaging.Crop(img, r)
}
