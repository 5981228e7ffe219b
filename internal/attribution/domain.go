package attribution

import "time"

// Source names the join-chain step that produced an attribution.
type Source string

const (
	SourceShipment       Source = "shipment"
	SourceReturn         Source = "return"
	SourceReceivingOrder Source = "receiving_order"
	SourceStorage        Source = "storage"
	SourceHouseAccount   Source = "house_account"
)

// Unresolved is one transaction the chain could not attribute. It is surfaced
// for operator review; the resolver never guesses an owner.
type Unresolved struct {
	TransactionID string    `json:"transaction_id"`
	ReferenceType string    `json:"reference_type"`
	ReferenceID   string    `json:"reference_id"`
	FeeType       string    `json:"fee_type"`
	Reason        string    `json:"reason"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Report summarises one resolver pass.
type Report struct {
	Examined   int            `json:"examined"`
	Attributed int            `json:"attributed"`
	BySource   map[Source]int `json:"by_source"`
	Unresolved []Unresolved   `json:"unresolved,omitempty"`
}

func newReport() *Report {
	return &Report{BySource: make(map[Source]int)}
}

func (r *Report) merge(other *Report) {
	r.Examined += other.Examined
	r.Attributed += other.Attributed
	for src, n := range other.BySource {
		r.BySource[src] += n
	}
	r.Unresolved = append(r.Unresolved, other.Unresolved...)
}
