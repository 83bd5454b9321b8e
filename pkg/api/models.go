package api

type healthResponse struct {
	Status string `json:"status"`
}

type readyResponse struct {
	Ready bool `json:"ready"`
}
