package detector

import (
	"sort"

	"prodline-monitor/internal/models"
)

// CompareFaults 故障全序比较器
// 先按来源标记排序（INTERNAL > UPSTREAM > DOWNSTREAM），同标记再按
// bit_index 从小到大。显式比较器，不依赖任何 map 迭代顺序。
// a 应排在 b 前面时返回 true。
func CompareFaults(a, b *models.FaultInfo) bool {
	if a.Marker.Rank() != b.Marker.Rank() {
		return a.Marker.Rank() < b.Marker.Rank()
	}
	return a.BitIndex < b.BitIndex
}

// RankFaults 按优先级对故障排序（原地，稳定序由全序比较器保证）
func RankFaults(faults []*models.FaultInfo) {
	sort.Slice(faults, func(i, j int) bool {
		return CompareFaults(faults[i], faults[j])
	})
}

// HighestPriorityFault 返回优先级最高的故障，空列表返回 nil
func HighestPriorityFault(faults []*models.FaultInfo) *models.FaultInfo {
	if len(faults) == 0 {
		return nil
	}
	best := faults[0]
	for _, f := range faults[1:] {
		if CompareFaults(f, best) {
			best = f
		}
	}
	return best
}
