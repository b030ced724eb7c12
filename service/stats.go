// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
)

type Stats struct {
	Connections float64 `json:"connections"`
	Peers       float64 `json:"peers"`
	Pairs       float64 `json:"pairs"`
}

func gaugeValue(g prometheus.Gauge) (float64, error) {
	var m model.Metric
	if err := g.Write(&m); err != nil {
		return 0, fmt.Errorf("failed to read metric: %w", err)
	}
	return m.GetGauge().GetValue(), nil
}

func (s *Service) getStats(w http.ResponseWriter, r *http.Request) {
	data := newHTTPData()
	defer s.httpAudit("getStats", data, w, r)

	var stats Stats
	for _, item := range []struct {
		gauge prometheus.Gauge
		value *float64
	}{
		{s.metrics.WSConnections, &stats.Connections},
		{s.metrics.HubPeers, &stats.Peers},
		{s.metrics.HubPairs, &stats.Pairs},
	} {
		v, err := gaugeValue(item.gauge)
		if err != nil {
			data.err = err.Error()
			data.code = http.StatusInternalServerError
			return
		}
		*item.value = v
	}

	data.resData = stats
}
