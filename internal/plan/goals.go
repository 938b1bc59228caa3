package plan

// MetricOutcome is the tri-state result of evaluating a metric.
type MetricOutcome string

const (
	MetricPass    MetricOutcome = "pass"
	MetricFail    MetricOutcome = "fail"
	MetricUnknown MetricOutcome = "unknown"
)

// Metric is one measurable predicate within a goal. Evaluator names the
// check to run ("tests_pass", "file_exists", "task_completed"); Target is
// its argument.
type Metric struct {
	Name      string `json:"name"`
	Evaluator string `json:"evaluator"`
	Target    string `json:"target"`
}

// Goal is a description plus its metrics. A goal passes when every metric
// passes; an unknown metric leaves the goal unknown rather than failed.
type Goal struct {
	Description string   `json:"description"`
	Metrics     []Metric `json:"metrics"`
}

// Evaluate folds metric outcomes into the goal outcome.
func (g Goal) Evaluate(eval func(Metric) MetricOutcome) MetricOutcome {
	outcome := MetricPass
	for _, m := range g.Metrics {
		switch eval(m) {
		case MetricFail:
			return MetricFail
		case MetricUnknown:
			outcome = MetricUnknown
		}
	}
	return outcome
}
