package candidates

// constituent pairs a symbol with its sector for universe filtering
type constituent struct {
	Symbol string
	Sector string
}

// universes holds the fixed constituent lists resolvable by name.
// Sector labels follow the provider's profile taxonomy.
var universes = map[string][]constituent{
	"megacap": {
		{"AAPL", "Technology"},
		{"MSFT", "Technology"},
		{"GOOGL", "Communication Services"},
		{"AMZN", "Consumer Cyclical"},
		{"NVDA", "Technology"},
		{"META", "Communication Services"},
		{"TSLA", "Consumer Cyclical"},
		{"BRK-B", "Financial Services"},
		{"LLY", "Healthcare"},
		{"AVGO", "Technology"},
		{"JPM", "Financial Services"},
		{"V", "Financial Services"},
		{"UNH", "Healthcare"},
		{"XOM", "Energy"},
		{"MA", "Financial Services"},
		{"JNJ", "Healthcare"},
		{"PG", "Consumer Defensive"},
		{"HD", "Consumer Cyclical"},
		{"COST", "Consumer Defensive"},
		{"ORCL", "Technology"},
	},
	"dow30": {
		{"AAPL", "Technology"},
		{"AMGN", "Healthcare"},
		{"AXP", "Financial Services"},
		{"BA", "Industrials"},
		{"CAT", "Industrials"},
		{"CRM", "Technology"},
		{"CSCO", "Technology"},
		{"CVX", "Energy"},
		{"DIS", "Communication Services"},
		{"GS", "Financial Services"},
		{"HD", "Consumer Cyclical"},
		{"HON", "Industrials"},
		{"IBM", "Technology"},
		{"JNJ", "Healthcare"},
		{"JPM", "Financial Services"},
		{"KO", "Consumer Defensive"},
		{"MCD", "Consumer Cyclical"},
		{"MMM", "Industrials"},
		{"MRK", "Healthcare"},
		{"MSFT", "Technology"},
		{"NKE", "Consumer Cyclical"},
		{"PG", "Consumer Defensive"},
		{"TRV", "Financial Services"},
		{"UNH", "Healthcare"},
		{"V", "Financial Services"},
		{"VZ", "Communication Services"},
		{"WMT", "Consumer Defensive"},
	},
	"semis": {
		{"NVDA", "Technology"},
		{"AVGO", "Technology"},
		{"AMD", "Technology"},
		{"QCOM", "Technology"},
		{"TXN", "Technology"},
		{"INTC", "Technology"},
		{"MU", "Technology"},
		{"ASML", "Technology"},
		{"TSM", "Technology"},
		{"AMAT", "Technology"},
	},
}

// Universes lists the resolvable universe names
func Universes() []string {
	names := make([]string, 0, len(universes))
	for name := range universes {
		names = append(names, name)
	}
	return names
}
