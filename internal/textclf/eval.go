package textclf

import (
	"math"
	"math/rand"
)

// Metrics reports held-out performance relative to the spam class
type Metrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1_score"`
	TrainRows int     `json:"train_rows"`
	TestRows  int     `json:"test_rows"`
}

// StratifiedSplit shuffles each class separately and holds out testFraction of it,
// at least one row per class with two or more rows
func StratifiedSplit(y []int, testFraction float64, rng *rand.Rand) (train, test []int) {
	byClass := make(map[int][]int)
	for i, label := range y {
		byClass[label] = append(byClass[label], i)
	}

	// iterate classes in a fixed order so the split is reproducible
	for _, class := range []int{0, 1} {
		idx := byClass[class]
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

		nTest := int(math.Round(testFraction * float64(len(idx))))
		if nTest == 0 && len(idx) >= 2 {
			nTest = 1
		}
		if nTest >= len(idx) {
			nTest = len(idx) - 1
		}
		test = append(test, idx[:nTest]...)
		train = append(train, idx[nTest:]...)
	}
	return train, test
}

// Evaluate compares predictions with truth, spam (1) being the positive class
func Evaluate(truth, predicted []int) Metrics {
	var tp, fp, fn, correct int
	for i := range truth {
		if truth[i] == predicted[i] {
			correct++
		}
		switch {
		case predicted[i] == 1 && truth[i] == 1:
			tp++
		case predicted[i] == 1 && truth[i] == 0:
			fp++
		case predicted[i] == 0 && truth[i] == 1:
			fn++
		}
	}

	m := Metrics{TestRows: len(truth)}
	if len(truth) > 0 {
		m.Accuracy = float64(correct) / float64(len(truth))
	}
	if tp+fp > 0 {
		m.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		m.Recall = float64(tp) / float64(tp+fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}
