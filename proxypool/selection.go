package manager

import (
	"math/rand"
	"sort"

	"proxyfetch/proxypool/model"
)

// scoreOffset keeps the weight of untested proxies positive.
const scoreOffset = 5

// weightOf 返回代理的选择权重: max(1, 净得分 + 5)。
func weightOf(s model.ProxyStats) int64 {
	w := int64(s.NetScore()) + scoreOffset
	if w < 1 {
		return 1
	}
	return w
}

// pickWeighted 对候选代理做一次加权随机选择。
// 累积权重 cum[i] 严格递增且 cum[n-1] == total, 抽样 r ∈ [0, total),
// 所以第一个满足 cum[i] > r 的下标一定存在。
func pickWeighted(rnd *rand.Rand, candidates []model.ProxyStats) string {
	if len(candidates) == 0 {
		return ""
	}
	cum := make([]int64, len(candidates))
	var total int64
	for i, c := range candidates {
		total += weightOf(c)
		cum[i] = total
	}
	if total <= 0 {
		return candidates[rnd.Intn(len(candidates))].Address
	}
	r := rnd.Int63n(total)
	idx := sort.Search(len(cum), func(i int) bool { return cum[i] > r })
	return candidates[idx].Address
}
