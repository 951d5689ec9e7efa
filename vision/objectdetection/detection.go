// Package objectdetection defines a 2D bounding box detection and the post-processing
// steps that turn raw model output into labeled, drawable detections.
package objectdetection

import (
	"fmt"
	"image"
)

// Detection returns a bounding box around the object and a confidence score of the detection.
type Detection interface {
	// BoundingBox returns a rectangle around the object in pixel coordinates of the original frame.
	BoundingBox() image.Rectangle
	// Score returns a confidence score of the detection between 0.0 and 1.0.
	Score() float64
	// Label returns the class label of the object in the bounding box.
	Label() string
}

// detection2D is a simple struct for storing 2D detections.
type detection2D struct {
	boundingBox image.Rectangle
	score       float64
	label       string
}

// NewDetection creates a simple 2D detection.
func NewDetection(boundingBox image.Rectangle, score float64, label string) Detection {
	return &detection2D{boundingBox, score, label}
}

// BoundingBox returns a bounding box around the detected object.
func (d *detection2D) BoundingBox() image.Rectangle {
	return d.boundingBox
}

// Score returns a confidence score of the detection between 0.0 and 1.0.
func (d *detection2D) Score() float64 {
	return d.score
}

// Label returns the class label of the object in the bounding box.
func (d *detection2D) Label() string {
	return d.label
}

// String turns the detection into a string.
func (d *detection2D) String() string {
	return fmt.Sprintf("Label: %s, Score: %.2f, Location: %v", d.label, d.score, d.boundingBox)
}
