package objectdetection

import (
	"bufio"
	"image"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/hailoview/hailoview/ml"
)

// Engines hand back detection results as three flat tensors regardless of how the
// accelerator lays them out on the wire. "location" holds one normalized
// [ymin, xmin, ymax, xmax] row per detection, with "category" and "score" indexed alongside.
const (
	LocationTensorName = "location"
	CategoryTensorName = "category"
	ScoreTensorName    = "score"
)

func clamp(x, minimum, maximum float64) float64 {
	if x < minimum {
		return minimum
	}
	if x > maximum {
		return maximum
	}
	return x
}

// Decode reshapes the output tensor map into Detections scaled to the original frame size.
// Class indexes without a matching entry in labels render as the numeric index.
func Decode(outMap ml.Tensors, origW, origH int, labels []string) ([]Detection, error) {
	locTensor, err := ml.GetTensor(outMap, LocationTensorName)
	if err != nil {
		return nil, err
	}
	// an empty scene produces zero-length tensors whose backing arrays
	// cannot be read
	if locTensor.Size() == 0 {
		return []Detection{}, nil
	}
	locations, err := ml.ToFloat64Slice(locTensor.Data())
	if err != nil {
		return nil, errors.Wrap(err, "could not unpack location tensor")
	}
	catTensor, err := ml.GetTensor(outMap, CategoryTensorName)
	if err != nil {
		return nil, err
	}
	categories, err := ml.ToFloat64Slice(catTensor.Data())
	if err != nil {
		return nil, errors.Wrap(err, "could not unpack category tensor")
	}
	scoreTensor, err := ml.GetTensor(outMap, ScoreTensorName)
	if err != nil {
		return nil, err
	}
	scores, err := ml.ToFloat64Slice(scoreTensor.Data())
	if err != nil {
		return nil, errors.Wrap(err, "could not unpack score tensor")
	}
	if len(locations) < 4*len(scores) {
		return nil, errors.Errorf("location tensor has %d values, need %d for %d detections",
			len(locations), 4*len(scores), len(scores))
	}

	detections := make([]Detection, 0, len(scores))
	for i := 0; i < len(scores); i++ {
		ymin := clamp(locations[4*i+0], 0, 1) * float64(origH)
		xmin := clamp(locations[4*i+1], 0, 1) * float64(origW)
		ymax := clamp(locations[4*i+2], 0, 1) * float64(origH)
		xmax := clamp(locations[4*i+3], 0, 1) * float64(origW)
		rect := image.Rect(int(xmin), int(ymin), int(xmax), int(ymax))

		label := strconv.Itoa(int(categories[i]))
		if idx := int(categories[i]); idx >= 0 && idx < len(labels) {
			label = labels[idx]
		}
		detections = append(detections, NewDetection(rect, scores[i], label))
	}
	return detections, nil
}

// ReadLabels reads a newline-separated label file into a slice addressed by class index.
func ReadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read label file %s", path)
	}
	defer func() {
		utils.UncheckedErrorFunc(f.Close)
	}()
	labels := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		labels = append(labels, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return labels, nil
}
