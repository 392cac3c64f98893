/*Package provisioning implements the device side of the provisioning service

A device which does not know its hub yet registers itself with the provisioning
service, authenticated with a shared access signature of its key:

	PUT /{idScope}/registrations/{registrationId}/register?api-version=2019-03-31
	{"registrationId": "..."}

The service answers with an operation. While the operation is "assigning" the
client polls

	GET /{idScope}/registrations/{registrationId}/operations/{operationId}?api-version=2019-03-31

until a terminal status is reached. Only "assigned" is a success; the registration
state then carries the assigned hub and device id:

	{
	  "operationId": "4.d0a671905ea5b2c8.e7173b7a-5a1c-4bf1-9e2b-5f6e3a1c0f7d",
	  "status": "assigned",
	  "registrationState": {
	    "registrationId": "sensor-1",
	    "assignedHub": "my-hub.azure-devices.net",
	    "deviceId": "sensor-1",
	    "status": "assigned"
	  }
	}

Provisioning is one-shot. Nothing is retried; the caller decides what a failure means.
*/
package provisioning
