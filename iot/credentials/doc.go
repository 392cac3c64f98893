/*Package credentials implements a simulated device provisioning service

Devices register themselves with the service and learn which hub they are assigned to.
The service provides the following REST routes:

	PUT /{idScope}/registrations/{registrationId}/register
	GET /{idScope}/registrations/{registrationId}/operations/{operationId}

A device must authenticate with a shared access signature in the Authorization header,
issued for the resource "{idScope}/registrations/{registrationId}" and signed with the key
of its individual enrollment, or with the key derived from its group enrollment.

A registration of an enabled enrollment is answered with status "assigning". The operation
remains assigning for a configurable number of status queries, after which the device is
registered with the hub and the operation is "assigned". Registrations of disabled
enrollments are answered with status "disabled" right away.

Unknown registrations and invalid signatures result in 401 Unauthorized.

*/
package credentials
