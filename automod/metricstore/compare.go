package metricstore

import "fmt"

// Comparison operators shared by policy thresholds and alert conditions.
const (
	OpGT  = ">"
	OpGTE = ">="
	OpLT  = "<"
	OpLTE = "<="
	OpEQ  = "=="
	OpNEQ = "!="
)

func ValidOp(op string) bool {
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNEQ:
		return true
	}
	return false
}

// Reports whether "value op threshold" holds.
func Compare(value float64, op string, threshold float64) (bool, error) {
	switch op {
	case OpGT:
		return value > threshold, nil
	case OpGTE:
		return value >= threshold, nil
	case OpLT:
		return value < threshold, nil
	case OpLTE:
		return value <= threshold, nil
	case OpEQ:
		return value == threshold, nil
	case OpNEQ:
		return value != threshold, nil
	}
	return false, fmt.Errorf("unknown comparison operator: %q", op)
}
