package web

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requests      *prometheus.CounterVec
	transfers     *prometheus.CounterVec
	bytesSent     prometheus.Counter
	bytesReceived prometheus.Counter
	chatMessages  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, mode Mode) (*metrics, error) {
	labels := prometheus.Labels{"mode": string(mode)}
	m := &metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "onionshare_http_requests_total",
				Help:        "Number of HTTP requests, by slug check result",
				ConstLabels: labels,
			},
			[]string{"result"},
		),
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "onionshare_transfers_total",
				Help:        "Number of finished transfers, by kind and status",
				ConstLabels: labels,
			},
			[]string{"kind", "status"},
		),
		bytesSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "onionshare_sent_bytes_total",
				Help:        "Number of bytes of downloads and website files sent",
				ConstLabels: labels,
			},
		),
		bytesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "onionshare_received_bytes_total",
				Help:        "Number of bytes of uploaded files stored",
				ConstLabels: labels,
			},
		),
		chatMessages: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "onionshare_chat_messages_total",
				Help:        "Number of chat messages, including status messages",
				ConstLabels: labels,
			},
		),
	}
	for _, c := range []prometheus.Collector{m.requests, m.transfers, m.bytesSent, m.bytesReceived, m.chatMessages} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
