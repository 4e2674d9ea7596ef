// Package config provides application configuration management.
//
// # Overview
//
// Configuration starts from Default, is overlaid by an optional YAML file
// named by EXTBRIDGE_CONFIG and finally by EXTBRIDGE_* environment
// variables. The result is validated before use.
//
// # Configuration File
//
//	server:
//	  addr: ":8080"
//	work_folder:
//	  dir: /var/lib/extbridge
//	storage:
//	  driver: sqlite3          # file, sqlite3, postgres
//	  dsn: /var/lib/extbridge/extbridge.db
//	converter:
//	  command: d2j-dex2jar
//	catalog:
//	  refresh_schedule: "@every 6h"
//	  redis_url: redis://localhost:6379/0
//	  s3:
//	    region: us-east-1
//	sideload:
//	  dir: /var/lib/extbridge/drop
//	observability:
//	  log_level: info
//	  log_format: json
//
// # Environment Variables
//
// Server and folders:
//
//	EXTBRIDGE_ADDR=":8080"
//	EXTBRIDGE_WORK_DIR="/var/lib/extbridge"
//	EXTBRIDGE_TEMP_DIR="/tmp/extbridge"
//
// Storage:
//
//	EXTBRIDGE_STORE_DRIVER="postgres"
//	EXTBRIDGE_STORE_DSN="postgres://localhost/extbridge?sslmode=disable"
//	EXTBRIDGE_STORE_MAX_CONNS="20"
//
// Tools:
//
//	EXTBRIDGE_CONVERTER_COMMAND="d2j-dex2jar"
//	EXTBRIDGE_CONVERTER_ARGS="--force --output {jar} {apk}"
//	EXTBRIDGE_HOST_COMMAND="extbridge-host"
//
// Catalogs:
//
//	EXTBRIDGE_REFRESH_SCHEDULE="0 */6 * * *"
//	EXTBRIDGE_REFRESH_CONCURRENCY="4"
//	EXTBRIDGE_INDEX_CACHE_SIZE="64"
//	EXTBRIDGE_INDEX_CACHE_TTL="1h"
//	EXTBRIDGE_REDIS_URL="redis://localhost:6379/0"
//	EXTBRIDGE_S3_REGION="us-east-1"
//	EXTBRIDGE_S3_ENDPOINT="http://minio:9000"
//	EXTBRIDGE_S3_USE_PATH_STYLE="true"
//
// Observability:
//
//	EXTBRIDGE_LOG_LEVEL="info"
//	EXTBRIDGE_LOG_FORMAT="json"
//	EXTBRIDGE_METRICS_ENABLED="true"
//	EXTBRIDGE_OTEL_ENABLED="true"
//	EXTBRIDGE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
