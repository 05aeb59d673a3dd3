// Package nutrition estimates how much of a planned meal a resident ate
// from the free text staff put in care logs, and pairs weekly menu items
// with the care logs that record them.
package nutrition

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"helicare/internal/model"
)

const (
	LabelNotRecorded = "Chưa ghi nhận"
	LabelPending     = "Đang chờ ghi nhận"
	LabelAteAll      = "Ăn hết (100%)"
	LabelAte75       = "Ăn 75%"
	LabelAte50       = "Ăn 50%"
	LabelAte25       = "Ăn 25%"
	LabelAteNone     = "Không ăn (0%)"
	LabelCompleted   = "Đã ăn xong"
	LabelInProgress  = "Đang ăn"
)

type consumptionRule struct {
	pattern *regexp.Regexp
	label   string
	ratio   float64
}

// Rules are tried in order and the first match wins. "100%" also contains
// "0%", which is why the skip rule comes last and requires a non-digit
// before the zero.
var consumptionRules = []consumptionRule{
	{
		pattern: regexp.MustCompile(`(?i)(100\s*%|ăn\s+hết|hết\s+suất|ăn\s+sạch|toàn\s+bộ|\bfull\b|\bfinished\b|\bate\s+all\b)`),
		label:   LabelAteAll,
		ratio:   1,
	},
	{
		pattern: regexp.MustCompile(`(?i)(75\s*%|3\s*/\s*4|ba\s+phần\s+tư|gần\s+hết|\bmost(ly)?\b)`),
		label:   LabelAte75,
		ratio:   0.75,
	},
	{
		pattern: regexp.MustCompile(`(?i)(50\s*%|1\s*/\s*2|một\s+nửa|nửa\s+suất|\bhalf\b)`),
		label:   LabelAte50,
		ratio:   0.5,
	},
	{
		pattern: regexp.MustCompile(`(?i)(25\s*%|1\s*/\s*4|một\s+phần\s+tư|ăn\s+ít|một\s+ít|\blittle\b|\ba\s+bit\b)`),
		label:   LabelAte25,
		ratio:   0.25,
	},
	{
		pattern: regexp.MustCompile(`(?i)((^|[^0-9])0\s*%|không\s+ăn|bỏ\s+bữa|bỏ\s+ăn|từ\s+chối|\bskip(ped)?\b|\brefused?\b|\bnone\b)`),
		label:   LabelAteNone,
		ratio:   0,
	},
}

// DeriveConsumption returns a best-effort consumption estimate for a meal.
// It never fails: a nil log is "not recorded", unrecognised text falls
// back to the log status.
func DeriveConsumption(log *model.CareLog) model.ConsumptionInfo {
	if log == nil {
		return model.ConsumptionInfo{Label: LabelNotRecorded, Ratio: 0}
	}

	text := consumptionText(log)
	for _, rule := range consumptionRules {
		if rule.pattern.MatchString(text) {
			return model.ConsumptionInfo{Label: rule.label, Ratio: rule.ratio, Log: log}
		}
	}

	switch log.Status {
	case model.CareLogStatusCompleted:
		return model.ConsumptionInfo{Label: LabelCompleted, Ratio: 1, Log: log}
	case model.CareLogStatusInProgress:
		return model.ConsumptionInfo{Label: LabelInProgress, Ratio: 0.5, Log: log}
	default:
		return model.ConsumptionInfo{Label: LabelPending, Ratio: 0, Log: log}
	}
}

func consumptionText(log *model.CareLog) string {
	parts := []string{log.Quantity.String(), log.Notes, log.FoodItems.String()}
	// Staff input arrives in both composed and decomposed Vietnamese.
	return norm.NFC.String(strings.Join(parts, " "))
}
