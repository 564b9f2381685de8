package jobs

import "strings"

// 既知のジョブ種別ごとのフェーズ順序。
var phaseOrders = map[Type][]string{
	TypeDDBVerification: {"Enumeration", "Verify Data", "Prune"},
	TypeAuxCopy:         {"Enumeration", "Verify Data", "Copy"},
	TypeBackup:          {"Scan", "Backup", "Archive Index"},
	TypeRestore:         {"Restore", "Archive Index"},
}

// RegisterPhaseOrder はジョブ種別のフェーズ順序を登録します。
// 起動時に一度だけ呼び出してください。
func RegisterPhaseOrder(t Type, phases ...string) {
	phaseOrders[t] = append([]string(nil), phases...)
}

func normalizePhase(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// phaseLog はフェーズの前進のみを記録します。
type phaseLog struct {
	order   []string
	history []string
}

func newPhaseLog(t Type) *phaseLog {
	return &phaseLog{order: phaseOrders[t]}
}

func (l *phaseLog) current() string {
	if len(l.history) == 0 {
		return ""
	}
	return l.history[len(l.history)-1]
}

func (l *phaseLog) rank(phase string) int {
	n := normalizePhase(phase)
	for i, p := range l.order {
		if normalizePhase(p) == n {
			return i
		}
	}
	return -1
}

func (l *phaseLog) seen(phase string) bool {
	n := normalizePhase(phase)
	for _, p := range l.history {
		if normalizePhase(p) == n {
			return true
		}
	}
	return false
}

// observe はフェーズを記録し、前進した場合に true を返します。
// 既に通過したフェーズへの後退は無視します。
func (l *phaseLog) observe(phase string) bool {
	if strings.TrimSpace(phase) == "" {
		return false
	}
	cur := l.current()
	if normalizePhase(cur) == normalizePhase(phase) {
		return false
	}
	if cur != "" {
		if rc, rp := l.rank(cur), l.rank(phase); rc >= 0 && rp >= 0 {
			if rp < rc {
				return false
			}
		} else if l.seen(phase) {
			return false
		}
	}
	l.history = append(l.history, phase)
	return true
}

// after は phase が target より後のフェーズかどうかを返します。
// 順序が不明な場合は false です。
func (l *phaseLog) after(phase, target string) bool {
	rp, rt := l.rank(phase), l.rank(target)
	return rp >= 0 && rt >= 0 && rp > rt
}

// passed は target を既に通過したかどうかを返します。
func (l *phaseLog) passed(target string) bool {
	cur := l.current()
	if cur == "" || normalizePhase(cur) == normalizePhase(target) {
		return false
	}
	if l.after(cur, target) {
		return true
	}
	return l.rank(cur) < 0 && l.seen(target)
}
