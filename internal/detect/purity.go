package detect

import "strings"

// PurityTable maps acid-strip detector labels to purity grades. The
// mapping is a calibration artifact loaded from configuration, not a
// property of the pipeline.
type PurityTable map[string]string

// Grade resolves a detector label to a purity grade by case-insensitive
// substring match, mirroring how the strip classes are named.
func (t PurityTable) Grade(label string) (string, bool) {
	l := strings.ToLower(label)
	for key, grade := range t {
		if strings.Contains(l, strings.ToLower(key)) {
			return grade, true
		}
	}
	return "", false
}
