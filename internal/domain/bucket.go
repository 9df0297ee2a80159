package domain

// BucketKey identifies a price-bucket partition.
type BucketKey struct {
	Country   string    `json:"country"`
	ProductID string    `json:"product_id"`
	EventType EventName `json:"event_type"`
}

// Partition returns the (country, product) partition owning the key.
func (k BucketKey) Partition() PartitionKey {
	return PartitionKey{Country: k.Country, ProductID: k.ProductID}
}

// String renders the key as "country|product|event_type".
func (k BucketKey) String() string {
	return k.Country + "|" + k.ProductID + "|" + string(k.EventType)
}

// Cluster is one price tier inside a bucket partition. Bucket ids start at
// 1; 0 is reserved for "no qualifying price".
type Cluster struct {
	BucketID            int       `json:"bucket_id" db:"bucket_id"`
	RepresentativePrice float64   `json:"representative_price" db:"representative_price"`
	MemberPrices        []float64 `json:"member_prices" db:"member_prices"`
}

// PriceBucket is the ordered set of clusters for one bucket key.
type PriceBucket struct {
	Key      BucketKey `json:"key"`
	Clusters []Cluster `json:"clusters"`
}

// Cluster returns the cluster with the given id.
func (b PriceBucket) Cluster(id int) (Cluster, bool) {
	for _, c := range b.Clusters {
		if c.BucketID == id {
			return c, true
		}
	}
	return Cluster{}, false
}
