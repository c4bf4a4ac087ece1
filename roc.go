package camtrap

import (
	"encoding/csv"
	"fmt"
	"os"
	"path"
	"sort"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ROC holds a receiver operating characteristic curve for a binary
// classifier: one (FPR, TPR) point per distinct score threshold, plus the
// area under the curve.
type ROC struct {
	// Thresholds are the score cutoffs, in decreasing order. Thresholds[i]
	// produced the point (FPR[i], TPR[i]).
	Thresholds []float64

	// TPR and FPR are the true and false positive rates per threshold,
	// starting at (0, 0) and ending at (1, 1).
	TPR, FPR []float64

	// AUC is the area under the curve, computed with the trapezoid rule.
	AUC float64
}

// NewROC computes the ROC curve for the given 0/1 labels and classifier
// scores. It requires at least one positive and one negative example.
func NewROC(labels, scores []float64) (*ROC, error) {
	if len(labels) != len(scores) {
		return nil, errors.Errorf("got %d labels but %d scores", len(labels), len(scores))
	}
	if len(labels) == 0 {
		return nil, errors.New("cannot compute ROC curve without examples")
	}

	var numPositives, numNegatives int
	for _, label := range labels {
		switch label {
		case 0:
			numNegatives++
		case 1:
			numPositives++
		default:
			return nil, errors.Errorf("labels must be 0 or 1, got %g", label)
		}
	}
	if numPositives == 0 || numNegatives == 0 {
		return nil, errors.Errorf(
			"cannot compute ROC curve with %d positive and %d negative examples",
			numPositives, numNegatives)
	}

	order := make([]int, len(scores))
	for ii := range order {
		order[ii] = ii
	}
	sort.Slice(order, func(i, j int) bool { return scores[order[i]] > scores[order[j]] })

	roc := &ROC{
		Thresholds: []float64{scores[order[0]] + 1},
		TPR:        []float64{0},
		FPR:        []float64{0},
	}
	var truePositives, falsePositives int
	for ii, idx := range order {
		if labels[idx] == 1 {
			truePositives++
		} else {
			falsePositives++
		}
		// Only emit a point once all examples at this score are consumed.
		if ii+1 < len(order) && scores[order[ii+1]] == scores[idx] {
			continue
		}
		roc.Thresholds = append(roc.Thresholds, scores[idx])
		roc.TPR = append(roc.TPR, float64(truePositives)/float64(numPositives))
		roc.FPR = append(roc.FPR, float64(falsePositives)/float64(numNegatives))
	}

	for ii := 1; ii < len(roc.FPR); ii++ {
		roc.AUC += (roc.FPR[ii] - roc.FPR[ii-1]) * (roc.TPR[ii] + roc.TPR[ii-1]) / 2
	}
	return roc, nil
}

// Save writes the curve as roc-<tag>.csv and roc-<tag>.png under dir,
// creating the directory if needed.
func (r *ROC) Save(dir, tag string) error {
	dir = data.ReplaceTildeInDir(dir)
	if err := os.MkdirAll(dir, 0777); err != nil {
		return errors.Wrapf(err, "failed to create ROC directory %q", dir)
	}
	if err := r.saveCSV(path.Join(dir, fmt.Sprintf("roc-%s.csv", tag))); err != nil {
		return err
	}
	return r.savePNG(path.Join(dir, fmt.Sprintf("roc-%s.png", tag)))
}

func (r *ROC) saveCSV(filePath string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	w := csv.NewWriter(f)
	records := [][]string{{"threshold", "fpr", "tpr"}}
	for ii := range r.Thresholds {
		records = append(records, []string{
			fmt.Sprintf("%g", r.Thresholds[ii]),
			fmt.Sprintf("%g", r.FPR[ii]),
			fmt.Sprintf("%g", r.TPR[ii]),
		})
	}
	if err := w.WriteAll(records); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

func (r *ROC) savePNG(filePath string) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("ROC curve (AUC=%.3f)", r.AUC)
	p.X.Label.Text = "False positive rate"
	p.Y.Label.Text = "True positive rate"
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1

	points := make(plotter.XYs, len(r.FPR))
	for ii := range r.FPR {
		points[ii].X = r.FPR[ii]
		points[ii].Y = r.TPR[ii]
	}
	line, err := plotter.NewLine(points)
	if err != nil {
		return errors.Wrap(err, "failed to build ROC line")
	}
	p.Add(line, plotter.NewGrid())
	if err := p.Save(6*vg.Inch, 6*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save %q", filePath)
	}
	return nil
}
