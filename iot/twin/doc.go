/*Package twin provides the cloud side of the device twin

A device twin consists of two JSON objects: the desired properties, which are set by the
operator and transfered to the device, and the reported properties, which the device
writes. Each object carries a version which is incremented with every change.

The API provides the following REST routes:
	GET   /devices/{device_id}/twin
	GET   /devices/{device_id}/twin/desired
	PUT   /devices/{device_id}/twin/desired
	PATCH /devices/{device_id}/twin/desired
	GET   /devices/{device_id}/twin/reported

PUT replaces the desired properties, PATCH merges a JSON merge patch into them. Desired
properties are validated against a JSON schema: maxMessages, if present, must be a
non-negative integer. After every change the full desired object is pushed to the device,
for example:
  curl -X PATCH ..../devices/sensor-1/twin/desired -d '{"maxMessages": 5}'
  {
   "device_id": "sensor-1",
   "desired": {"maxMessages": 5},
   "desired_version": 2,
   "reported": {"messageId": 17},
   "reported_version": 4,
   "desired_at": "2024-03-24T16:39:49.581168Z",
   "reported_at": "2024-03-24T17:32:49.09863Z"
  }

Reported properties are written by the device over MQTT only.

Twins are kept in memory (MemoryStore) or in the postgres table "_twin_" (PostgresStore).

*/
package twin
