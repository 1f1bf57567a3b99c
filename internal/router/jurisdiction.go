package router

// Shard regions. EU customers are pinned to the EU sub-namespace in
// production so their durable state stays in jurisdiction.
const (
	RegionDefault = "default"
	RegionEU      = "eu"
)

// euCountries is the ISO 3166-1 alpha-2 set of EU member states.
var euCountries = map[string]struct{}{
	"AT": {}, "BE": {}, "BG": {}, "HR": {}, "CY": {}, "CZ": {},
	"DK": {}, "EE": {}, "FI": {}, "FR": {}, "DE": {}, "GR": {},
	"HU": {}, "IE": {}, "IT": {}, "LV": {}, "LT": {}, "LU": {},
	"MT": {}, "NL": {}, "PL": {}, "PT": {}, "RO": {}, "SK": {},
	"SI": {}, "ES": {}, "SE": {},
}

func isEUCountry(country string) bool {
	_, ok := euCountries[country]
	return ok
}
