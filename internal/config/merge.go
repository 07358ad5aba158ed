package config

import (
	"github.com/spf13/viper"
)

// RunOverrides is a sparse RunConfig. Nil fields leave the base unchanged.
type RunOverrides struct {
	Seeds                         []string
	BatchSize                     *int
	MaxTotalBatches               *int
	MaxTotalPages                 *int64
	HistoricalRatio               *float64
	BalancingStrategy             *string
	HubDiscoveryEnabled           *bool
	HubRefreshIntervalMs          *int
	MinNewSignaturesToLearn       *int
	ReanalysisConfidenceThreshold *float64
	MaxDownloads                  *int
	PersistentMode                *bool
	RetryableStatuses             []int
	RateLimitMs                   *int
	PrioritizationMode            *string
	MaxDepth                      *int
}

// Merge applies each override layer over base in order, so later layers win.
// The base is never mutated.
func Merge(base RunConfig, layers ...RunOverrides) RunConfig {
	out := base
	out.Seeds = append([]string(nil), base.Seeds...)
	out.RetryableStatuses = append([]int(nil), base.RetryableStatuses...)
	out.HostSpacing = append([]HostSpacingRule(nil), base.HostSpacing...)
	if base.MaxTotalBatches != nil {
		v := *base.MaxTotalBatches
		out.MaxTotalBatches = &v
	}
	if base.MaxTotalPages != nil {
		v := *base.MaxTotalPages
		out.MaxTotalPages = &v
	}
	for _, o := range layers {
		if len(o.Seeds) > 0 {
			out.Seeds = append([]string(nil), o.Seeds...)
		}
		setInt(&out.BatchSize, o.BatchSize)
		if o.MaxTotalBatches != nil {
			v := *o.MaxTotalBatches
			out.MaxTotalBatches = &v
		}
		if o.MaxTotalPages != nil {
			v := *o.MaxTotalPages
			out.MaxTotalPages = &v
		}
		if o.HistoricalRatio != nil {
			out.HistoricalRatio = *o.HistoricalRatio
		}
		setString(&out.BalancingStrategy, o.BalancingStrategy)
		if o.HubDiscoveryEnabled != nil {
			out.HubDiscoveryEnabled = *o.HubDiscoveryEnabled
		}
		setInt(&out.HubRefreshIntervalMs, o.HubRefreshIntervalMs)
		setInt(&out.MinNewSignaturesToLearn, o.MinNewSignaturesToLearn)
		if o.ReanalysisConfidenceThreshold != nil {
			out.ReanalysisConfidenceThreshold = *o.ReanalysisConfidenceThreshold
		}
		setInt(&out.MaxDownloads, o.MaxDownloads)
		if o.PersistentMode != nil {
			out.PersistentMode = *o.PersistentMode
		}
		if len(o.RetryableStatuses) > 0 {
			out.RetryableStatuses = append([]int(nil), o.RetryableStatuses...)
		}
		setInt(&out.RateLimitMs, o.RateLimitMs)
		setString(&out.PrioritizationMode, o.PrioritizationMode)
		setInt(&out.MaxDepth, o.MaxDepth)
	}
	return out
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// readTopLevel picks up run keys placed at the document root. Only keys that
// are explicitly present are returned; defaults live under run.
func readTopLevel(v *viper.Viper) RunOverrides {
	var o RunOverrides
	if v.InConfig("seeds") {
		o.Seeds = v.GetStringSlice("seeds")
	}
	o.BatchSize = intKey(v, "batch_size")
	o.MaxTotalBatches = intKey(v, "max_total_batches")
	if v.InConfig("max_total_pages") {
		n := v.GetInt64("max_total_pages")
		o.MaxTotalPages = &n
	}
	o.HistoricalRatio = floatKey(v, "historical_ratio")
	o.BalancingStrategy = stringKey(v, "balancing_strategy")
	o.HubDiscoveryEnabled = boolKey(v, "hub_discovery_enabled")
	o.HubRefreshIntervalMs = intKey(v, "hub_refresh_interval_ms")
	o.MinNewSignaturesToLearn = intKey(v, "min_new_signatures_to_learn")
	o.ReanalysisConfidenceThreshold = floatKey(v, "reanalysis_confidence_threshold")
	o.MaxDownloads = intKey(v, "max_downloads")
	o.PersistentMode = boolKey(v, "persistent_mode")
	if v.InConfig("retryable_statuses") {
		o.RetryableStatuses = v.GetIntSlice("retryable_statuses")
	}
	o.RateLimitMs = intKey(v, "rate_limit_ms")
	o.PrioritizationMode = stringKey(v, "prioritization_mode")
	o.MaxDepth = intKey(v, "max_depth")
	return o
}

func intKey(v *viper.Viper, key string) *int {
	if !v.InConfig(key) {
		return nil
	}
	n := v.GetInt(key)
	return &n
}

func floatKey(v *viper.Viper, key string) *float64 {
	if !v.InConfig(key) {
		return nil
	}
	f := v.GetFloat64(key)
	return &f
}

func stringKey(v *viper.Viper, key string) *string {
	if !v.InConfig(key) {
		return nil
	}
	s := v.GetString(key)
	return &s
}

func boolKey(v *viper.Viper, key string) *bool {
	if !v.InConfig(key) {
		return nil
	}
	b := v.GetBool(key)
	return &b
}
