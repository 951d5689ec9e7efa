// Package pose holds the keypoint model used by the pose estimation task and its overlay.
package pose

import (
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"

	"github.com/hailoview/hailoview/ml"
)

// NumKeypoints is the number of COCO keypoints predicted per person.
const NumKeypoints = 17

// MinKeypointScore is the confidence below which a keypoint is not drawn.
const MinKeypointScore = 0.5

// PosesTensorName is the name of the output tensor holding pose rows.
const PosesTensorName = "poses"

// rowLen is bbox (4) + score (1) + x/y/score per keypoint.
const rowLen = 5 + NumKeypoints*3

// Keypoint is a single joint location in pixel coordinates of the original frame.
type Keypoint struct {
	X, Y  float64
	Score float64
}

// Pose is one detected person: a bounding box, its confidence, and the joint keypoints.
type Pose struct {
	BoundingBox image.Rectangle
	Score       float64
	Keypoints   [NumKeypoints]Keypoint
}

// skeleton is the COCO edge list joining keypoint indexes into limbs.
var skeleton = [][2]int{
	{0, 1}, {0, 2}, {1, 3}, {2, 4}, // head
	{5, 6}, {5, 7}, {7, 9}, {6, 8}, {8, 10}, // arms
	{5, 11}, {6, 12}, {11, 12}, // torso
	{11, 13}, {13, 15}, {12, 14}, {14, 16}, // legs
}

func clamp(x, minimum, maximum float64) float64 {
	if x < minimum {
		return minimum
	}
	if x > maximum {
		return maximum
	}
	return x
}

// Decode reshapes the output tensor map into Poses scaled to the original frame size.
// Each row is [ymin, xmin, ymax, xmax, score, kp0x, kp0y, kp0score, ...] with
// normalized coordinates.
func Decode(outMap ml.Tensors, origW, origH int) ([]Pose, error) {
	posesTensor, err := ml.GetTensor(outMap, PosesTensorName)
	if err != nil {
		return nil, err
	}
	// an empty scene produces a zero-length tensor whose backing array
	// cannot be read
	if posesTensor.Size() == 0 {
		return []Pose{}, nil
	}
	rows, err := ml.ToFloat64Slice(posesTensor.Data())
	if err != nil {
		return nil, errors.Wrap(err, "could not unpack poses tensor")
	}
	if len(rows)%rowLen != 0 {
		return nil, errors.Errorf("poses tensor has %d values, not a multiple of row length %d", len(rows), rowLen)
	}

	poses := make([]Pose, 0, len(rows)/rowLen)
	for i := 0; i+rowLen <= len(rows); i += rowLen {
		row := rows[i : i+rowLen]
		p := Pose{
			BoundingBox: image.Rect(
				int(clamp(row[1], 0, 1)*float64(origW)),
				int(clamp(row[0], 0, 1)*float64(origH)),
				int(clamp(row[3], 0, 1)*float64(origW)),
				int(clamp(row[2], 0, 1)*float64(origH)),
			),
			Score: row[4],
		}
		for k := 0; k < NumKeypoints; k++ {
			p.Keypoints[k] = Keypoint{
				X:     clamp(row[5+3*k], 0, 1) * float64(origW),
				Y:     clamp(row[5+3*k+1], 0, 1) * float64(origH),
				Score: row[5+3*k+2],
			}
		}
		poses = append(poses, p)
	}
	return poses, nil
}

var (
	jointColor = color.NRGBA{R: 0, G: 255, B: 0, A: 255}
	limbColor  = color.NRGBA{R: 255, G: 0, B: 0, A: 255}
)

// Overlay draws each pose's skeleton and joints on the original image.
// Limbs are only drawn when both ends pass the keypoint score threshold.
func Overlay(img image.Image, poses []Pose) image.Image {
	dc := gg.NewContextForImage(img)
	for _, p := range poses {
		dc.SetColor(limbColor)
		dc.SetLineWidth(2)
		for _, edge := range skeleton {
			a, b := p.Keypoints[edge[0]], p.Keypoints[edge[1]]
			if a.Score < MinKeypointScore || b.Score < MinKeypointScore {
				continue
			}
			dc.DrawLine(a.X, a.Y, b.X, b.Y)
			dc.Stroke()
		}
		dc.SetColor(jointColor)
		for _, kp := range p.Keypoints {
			if kp.Score < MinKeypointScore {
				continue
			}
			dc.DrawCircle(kp.X, kp.Y, 3)
			dc.Fill()
		}
	}
	return dc.Image()
}
