package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// WestSeattleZips is the zip-code whitelist every geo-bounded source filters on.
var WestSeattleZips = []string{"98106", "98116", "98126", "98136", "98146"}

// Seattle SODA API.
const (
	SODABase     = "https://data.seattle.gov/resource"
	SODAPageSize = 1000
	SODADelay    = 500 * time.Millisecond
)

// Seattle SODA dataset IDs.
const (
	DatasetCodeViolations = "ez4a-iug7"
	DatasetPermits        = "76t5-zqzr"
	DatasetFire911        = "kzjm-xkqj"
	DatasetURM            = "54qs-2h7f"
)

// Fire 911 geographic filter: center of West Seattle, 5km radius.
const (
	FireCenterLat    = 47.5615
	FireCenterLng    = -122.3706
	FireRadiusMeters = 5000
)

// King County parcel data endpoints.
const (
	KCGISParcelsURL = "https://gismaps.kingcounty.gov/arcgis/rest/services/Property/KingCo_GeneralPropertyInfo/MapServer/2/query"
	KCRPAcctURL     = "https://aqua.kingcounty.gov/extranet/assessor/Real%20Property%20Account.zip"
	KCRPSaleURL     = "https://aqua.kingcounty.gov/extranet/assessor/Real%20Property%20Sales.zip"
	KCSODABase      = "https://data.kingcounty.gov/resource"

	// Active foreclosure list dataset.
	KCForeclosureDataset = "nx4x-iqnh"

	KCGISPageSize       = 2000
	KCGISDelay          = 300 * time.Millisecond
	KCDownloadCacheDays = 7
)

// Proximity threshold for the normalization audit (~10 meters) and the
// degree-to-meter conversion constant. The conversion is exact only at the
// equator but adequate for the audit role.
const (
	ProximityDegrees = 0.0001
	DegreesToMeters  = 111000
)

// Env holds runtime settings read from the environment. A .env file in the
// working directory is layered underneath the process environment.
type Env struct {
	SODAAppToken      string `envconfig:"SODA_APP_TOKEN"`
	DataDir           string `envconfig:"DATA_DIR" default:"data"`
	ScoringConfigPath string `envconfig:"SCORING_CONFIG" default:"scoring_config.yaml"`
}

// DBPath returns the location of the embedded database file.
func (e Env) DBPath() string {
	return filepath.Join(e.DataDir, "distressed.db")
}

// DownloadsDir returns the bulk-download cache directory.
func (e Env) DownloadsDir() string {
	return filepath.Join(e.DataDir, "downloads")
}

// Load reads .env (if present) and then the process environment.
func Load() (Env, error) {
	_ = godotenv.Load()

	var e Env
	if err := envconfig.Process("", &e); err != nil {
		return Env{}, fmt.Errorf("failed to process environment: %w", err)
	}
	return e, nil
}
