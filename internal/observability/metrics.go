// internal/observability/metrics.go
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerOperations counts inventory ledger calls by operation and result.
	LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "libralend_ledger_operations_total",
		Help: "Inventory ledger operations by operation and result",
	}, []string{"operation", "result"})

	// InventoryViolations counts rejected mutations that would have broken
	// 0 <= available <= total, and returns whose release could not be applied.
	InventoryViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "libralend_inventory_violations_total",
		Help: "Detected inventory invariant violations by kind",
	}, []string{"kind"})

	// LendingOperations counts workflow operations by operation and result.
	LendingOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "libralend_lending_operations_total",
		Help: "Lending workflow operations by operation and result",
	}, []string{"operation", "result"})

	// InventoryDrift is the last reconciled (available + outstanding - total)
	// per item. Zero means the ledger agrees with the loan records.
	InventoryDrift = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "libralend_inventory_drift",
		Help: "Difference between available+outstanding and total copies per item",
	}, []string{"item_id"})
)

// MetricsHandler exposes the default Prometheus registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
