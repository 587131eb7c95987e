package fetcher

import (
	"net/http"
	"time"
)

// Outcome 是一次抓取尝试的分类结果。
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeForbidden      Outcome = "forbidden"
	OutcomeHTTPError      Outcome = "http_error"
	OutcomeTransportError Outcome = "transport_error"
)

// Classify maps an HTTP status code to an Outcome.
func Classify(status int) Outcome {
	switch status {
	case http.StatusOK:
		return OutcomeSuccess
	case http.StatusTooManyRequests:
		return OutcomeRateLimited
	case http.StatusForbidden:
		return OutcomeForbidden
	default:
		return OutcomeHTTPError
	}
}

// DelayPolicy 根据尝试序号 (从 0 开始) 给出重试前的等待时间。
type DelayPolicy interface {
	Delay(attempt int) time.Duration
}

// RateLimitBackoff 用于 429: Base + attempt*Step。
type RateLimitBackoff struct {
	Base time.Duration
	Step time.Duration
}

func (p RateLimitBackoff) Delay(attempt int) time.Duration {
	return p.Base + time.Duration(attempt)*p.Step
}

// FixedBackoff 用于 403: 固定等待基础重试间隔。
type FixedBackoff struct {
	Wait time.Duration
}

func (p FixedBackoff) Delay(int) time.Duration {
	return p.Wait
}

// LinearJitterBackoff 是每次失败后都会执行的通用等待:
// Base * (1 + attempt*Factor) + [0, MaxJitter) 的随机抖动,
// 避免并发抓取在同一时刻集中重试。
type LinearJitterBackoff struct {
	Base      time.Duration
	Factor    float64
	MaxJitter time.Duration
	// Jitter 返回 [0, 1) 的随机数。
	Jitter func() float64
}

func (p LinearJitterBackoff) Delay(attempt int) time.Duration {
	d := time.Duration(float64(p.Base) * (1 + float64(attempt)*p.Factor))
	if p.Jitter != nil && p.MaxJitter > 0 {
		d += time.Duration(p.Jitter() * float64(p.MaxJitter))
	}
	return d
}

// Policies 把结果分类映射到专用等待策略, Generic 在专用等待之后执行。
type Policies struct {
	Specific map[Outcome]DelayPolicy
	Generic  DelayPolicy
}

// DefaultPolicies returns the standard schedule for the given base retry delay.
func DefaultPolicies(retryDelay time.Duration, jitter func() float64) Policies {
	return Policies{
		Specific: map[Outcome]DelayPolicy{
			OutcomeRateLimited: RateLimitBackoff{Base: 5 * time.Second, Step: 10 * time.Second},
			OutcomeForbidden:   FixedBackoff{Wait: retryDelay},
		},
		Generic: LinearJitterBackoff{
			Base:      retryDelay,
			Factor:    0.5,
			MaxJitter: time.Second,
			Jitter:    jitter,
		},
	}
}

// Schedule returns the specific and generic waits after a failed attempt.
func (p Policies) Schedule(outcome Outcome, attempt int) (specific, generic time.Duration) {
	if outcome == OutcomeSuccess {
		return 0, 0
	}
	if sp, ok := p.Specific[outcome]; ok {
		specific = sp.Delay(attempt)
	}
	if p.Generic != nil {
		generic = p.Generic.Delay(attempt)
	}
	return specific, generic
}
