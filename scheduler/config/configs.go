package config

// DriverConfigs are the built-in configs selectable by name.
var DriverConfigs = map[string]string{
	"default": `{
  "Cluster": {
    "Type": "memory",
    "Count": 10
  },
  "Driver": {
    "Type": "loopback",
    "BundleSize": 5,
    "DispatchRetries": 3,
    "DispatchRetryInterval": "100ms",
    "StepInterval": "250ms",
    "MaxNodeErrors": 3,
    "MaxFlakyDuration": "15m",
    "MaxLostDuration": "1m"
  },
  "Policy": {
    "CacheSize": 256
  }
}`,
	"local.memory": `{
  "Cluster": {
    "Type": "memory",
    "Count": 4
  },
  "Driver": {
    "Type": "loopback",
    "BundleSize": 2,
    "StepInterval": "50ms"
  }
}`,
	"local.static": `{
  "Cluster": {
    "Type": "static",
    "Nodes": [
      {"Id": "small", "Properties": {"system": {"cpus": "2"}, "os": {"os.name": "Linux"}}},
      {"Id": "large", "Properties": {"system": {"cpus": "16"}, "os": {"os.name": "Linux"}}}
    ]
  },
  "Driver": {
    "Type": "loopback",
    "DispatchTimeout": "10m"
  }
}`,
}
