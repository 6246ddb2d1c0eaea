package training

import (
	"fmt"
	"math"
)

// RegressionMetrics holds comprehensive regression evaluation metrics
type RegressionMetrics struct {
	MAE  float64 // Mean Absolute Error
	MSE  float64 // Mean Squared Error
	RMSE float64 // Root Mean Squared Error
	R2   float64 // R-squared
	NMAE float64 // Normalized Mean Absolute Error
}

// CalculateRegressionMetrics compares predictions with true values
// element by element.
func CalculateRegressionMetrics(predictions, trueValues []float64) (*RegressionMetrics, error) {
	n := len(predictions)
	if n == 0 || n != len(trueValues) {
		return nil, fmt.Errorf("need equal, non-empty inputs: %d predictions, %d true values", n, len(trueValues))
	}

	meanTrue := 0.0
	for _, y := range trueValues {
		meanTrue += y
	}
	meanTrue /= float64(n)

	sumAbsErr := 0.0
	sumSqErr := 0.0
	sumSqTotal := 0.0
	minTrue := math.Inf(1)
	maxTrue := math.Inf(-1)

	for i, pred := range predictions {
		y := trueValues[i]
		diff := pred - y

		sumAbsErr += math.Abs(diff)
		sumSqErr += diff * diff
		sumSqTotal += (y - meanTrue) * (y - meanTrue)
		minTrue = math.Min(minTrue, y)
		maxTrue = math.Max(maxTrue, y)
	}

	mae := sumAbsErr / float64(n)
	mse := sumSqErr / float64(n)

	r2 := 0.0
	if sumSqTotal > 0 {
		r2 = 1.0 - (sumSqErr / sumSqTotal)
	}

	// scaled by the range of the true values
	nmae := 0.0
	if maxTrue > minTrue {
		nmae = mae / (maxTrue - minTrue)
	}

	return &RegressionMetrics{
		MAE:  mae,
		MSE:  mse,
		RMSE: math.Sqrt(mse),
		R2:   r2,
		NMAE: nmae,
	}, nil
}

// ConfusionMatrix counts binary decisions where a score above zero is the
// positive class and targets are +1 or -1.
type ConfusionMatrix struct {
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int
}

// Update adds one scored sample.
func (cm *ConfusionMatrix) Update(score, target float64) {
	predicted := score > 0
	actual := target > 0
	switch {
	case predicted && actual:
		cm.TruePositives++
	case predicted && !actual:
		cm.FalsePositives++
	case !predicted && !actual:
		cm.TrueNegatives++
	default:
		cm.FalseNegatives++
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	*cm = ConfusionMatrix{}
}

// Total returns the number of samples seen.
func (cm *ConfusionMatrix) Total() int {
	return cm.TruePositives + cm.FalsePositives + cm.TrueNegatives + cm.FalseNegatives
}

// Accuracy returns the fraction of correct decisions, or 0 when empty.
func (cm *ConfusionMatrix) Accuracy() float64 {
	return ratio(cm.TruePositives+cm.TrueNegatives, cm.Total())
}

func (cm *ConfusionMatrix) Precision() float64 {
	return ratio(cm.TruePositives, cm.TruePositives+cm.FalsePositives)
}

func (cm *ConfusionMatrix) Recall() float64 {
	return ratio(cm.TruePositives, cm.TruePositives+cm.FalseNegatives)
}

func (cm *ConfusionMatrix) F1() float64 {
	p, r := cm.Precision(), cm.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
