package metrics

// Namespace prefixes every recluster metric.
const Namespace = "recluster"
