// Package metrics registers the node's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	routeSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privacyroute_route_selections_total",
			Help: "Route selection attempts by chosen route type and outcome",
		},
		[]string{"route_type", "outcome"},
	)
	routeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privacyroute_route_failures_total",
			Help: "Reported route establishment failures",
		},
		[]string{"route_type"},
	)
	catalogRoutes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "privacyroute_catalog_routes",
			Help: "Routes currently held in the catalog",
		},
	)
	catalogTargets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "privacyroute_catalog_targets",
			Help: "Targets currently held in the catalog",
		},
	)
	cryptoLatency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "privacyroute_crypto_latency_ms",
			Help: "Smoothed encryption/decryption latency",
		},
		[]string{"op"},
	)
	cryptoThroughput = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "privacyroute_crypto_throughput_mbps",
			Help: "Smoothed crypto throughput",
		},
	)
	overlayEncryptedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "privacyroute_overlay_encrypted_bytes_total",
			Help: "Payload bytes covered by overlay encryption",
		},
	)
	overlayPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "privacyroute_overlay_packets_total",
			Help: "Packets processed by the overlay",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(routeSelections)
	prometheus.MustRegister(routeFailures)
	prometheus.MustRegister(catalogRoutes)
	prometheus.MustRegister(catalogTargets)
	prometheus.MustRegister(cryptoLatency)
	prometheus.MustRegister(cryptoThroughput)
	prometheus.MustRegister(overlayEncryptedBytes)
	prometheus.MustRegister(overlayPackets)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func RouteSelected(routeType string, outcome string) {
	routeSelections.WithLabelValues(routeType, outcome).Inc()
}

func RouteFailure(routeType string) {
	routeFailures.WithLabelValues(routeType).Inc()
}

func CatalogSize(routes int, targets int) {
	catalogRoutes.Set(float64(routes))
	catalogTargets.Set(float64(targets))
}

func CryptoSample(encryptMS float64, decryptMS float64, throughputMbps float64) {
	cryptoLatency.WithLabelValues("encrypt").Set(encryptMS)
	cryptoLatency.WithLabelValues("decrypt").Set(decryptMS)
	cryptoThroughput.Set(throughputMbps)
}

func OverlayEncrypted(n int) {
	overlayEncryptedBytes.Add(float64(n))
}

func OverlayPacket(direction string) {
	overlayPackets.WithLabelValues(direction).Inc()
}
