package sector

// StockSectorMapping assigns NSE trading symbols to the index-style sector
// buckets the gate ranks. Keys are canonical trading symbols (the output of
// chartink.NormalizeSymbol); extend the table to widen the universe.
var StockSectorMapping = map[string]string{
	// NIFTY AUTO
	"TVSMOTOR":   "NIFTY AUTO",
	"MARUTI":     "NIFTY AUTO",
	"M&M":        "NIFTY AUTO",
	"TATAMOTORS": "NIFTY AUTO",
	"BAJAJ-AUTO": "NIFTY AUTO",
	"EICHERMOT":  "NIFTY AUTO",
	"HEROMOTOCO": "NIFTY AUTO",

	// NIFTY BANK
	"HDFCBANK":   "NIFTY BANK",
	"ICICIBANK":  "NIFTY BANK",
	"KOTAKBANK":  "NIFTY BANK",
	"SBIN":       "NIFTY BANK",
	"AXISBANK":   "NIFTY BANK",
	"INDUSINDBK": "NIFTY BANK",

	// NIFTY FIN SERVICE
	"HDFCLIFE":   "NIFTY FIN SERVICE",
	"SBILIFE":    "NIFTY FIN SERVICE",
	"BAJFINANCE": "NIFTY FIN SERVICE",
	"BAJAJFINSV": "NIFTY FIN SERVICE",
	"LICI":       "NIFTY FIN SERVICE",

	// NIFTY FMCG
	"ITC":        "NIFTY FMCG",
	"HINDUNILVR": "NIFTY FMCG",
	"NESTLEIND":  "NIFTY FMCG",
	"BRITANNIA":  "NIFTY FMCG",
	"TATACONSUM": "NIFTY FMCG",

	// NIFTY IT
	"TCS":     "NIFTY IT",
	"INFY":    "NIFTY IT",
	"HCLTECH": "NIFTY IT",
	"WIPRO":   "NIFTY IT",
	"TECHM":   "NIFTY IT",

	// NIFTY PHARMA
	"SUNPHARMA":  "NIFTY PHARMA",
	"DRREDDY":    "NIFTY PHARMA",
	"CIPLA":      "NIFTY PHARMA",
	"DIVISLAB":   "NIFTY PHARMA",
	"APOLLOHOSP": "NIFTY PHARMA",

	// NIFTY METAL
	"TATASTEEL": "NIFTY METAL",
	"HINDALCO":  "NIFTY METAL",
	"JSWSTEEL":  "NIFTY METAL",

	// NIFTY OIL & GAS
	"RELIANCE": "NIFTY OIL & GAS",
	"ONGC":     "NIFTY OIL & GAS",

	// NIFTY POWER
	"NTPC":      "NIFTY POWER",
	"POWERGRID": "NIFTY POWER",

	// NIFTY CONSUMER
	"TITAN":      "NIFTY CONSUMER",
	"ASIANPAINT": "NIFTY CONSUMER",

	// NIFTY INFRA
	"ULTRACEMCO": "NIFTY INFRA",
	"GRASIM":     "NIFTY INFRA",
	"LT":         "NIFTY INFRA",
	"ADANIPORTS": "NIFTY INFRA",

	// NIFTY TELECOM
	"BHARTIARTL": "NIFTY TELECOM",
}
